package blob

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	testCases := []struct {
		name     string
		raw      string
		wantType string
		wantRoot string
	}{
		{name: "empty", raw: "", wantType: "file", wantRoot: "storage"},
		{name: "file with root", raw: `{"type":"file","root":"data"}`, wantType: "file", wantRoot: "data"},
		{name: "uppercase type", raw: `{"type":"FILE"}`, wantType: "file", wantRoot: "storage"},
		{name: "s3 bucket", raw: `{"type":"s3","bucket_name":"media"}`, wantType: "s3", wantRoot: "s3://media"},
		{name: "s3 default bucket", raw: `{"type":"s3"}`, wantType: "s3", wantRoot: "s3://my-bucket"},
		{name: "gcs bucket", raw: `{"type":"gcs","bucket_name":"clips"}`, wantType: "gcs", wantRoot: "gcs://clips"},
		{name: "explicit root wins", raw: `{"type":"s3","bucket_name":"a","root":"s3://b/p"}`, wantType: "s3", wantRoot: "s3://b/p"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ParseConfig(tc.raw, "storage")
			if err != nil {
				t.Fatalf("ParseConfig: %v", err)
			}
			if cfg.Type != tc.wantType {
				t.Fatalf("type = %q, want %q", cfg.Type, tc.wantType)
			}
			if cfg.Root != tc.wantRoot {
				t.Fatalf("root = %q, want %q", cfg.Root, tc.wantRoot)
			}
		})
	}
}

func TestParseConfigErrors(t *testing.T) {
	if _, err := ParseConfig(`{"type":"ftp"}`, "storage"); err == nil {
		t.Fatal("expected unsupported type error")
	}
	if _, err := ParseConfig(`{not json`, "storage"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSplitObjectRoot(t *testing.T) {
	testCases := []struct {
		root       string
		wantBucket string
		wantPrefix string
	}{
		{root: "s3://media", wantBucket: "media", wantPrefix: ""},
		{root: "s3://media/", wantBucket: "media", wantPrefix: ""},
		{root: "gcs://media/a/b/", wantBucket: "media", wantPrefix: "a/b"},
		{root: "media/x", wantBucket: "media", wantPrefix: "x"},
	}
	for _, tc := range testCases {
		bucket, prefix, err := splitObjectRoot(tc.root)
		if err != nil {
			t.Fatalf("splitObjectRoot(%q): %v", tc.root, err)
		}
		if bucket != tc.wantBucket || prefix != tc.wantPrefix {
			t.Fatalf("splitObjectRoot(%q) = %q, %q; want %q, %q", tc.root, bucket, prefix, tc.wantBucket, tc.wantPrefix)
		}
	}
	if _, _, err := splitObjectRoot("s3://"); err == nil {
		t.Fatal("expected error for root without bucket")
	}
}

func TestObjectKeyHelpers(t *testing.T) {
	if got := objectKey("base", "/a//b.wav"); got != "base/a/b.wav" {
		t.Fatalf("objectKey = %q", got)
	}
	if got := objectKey("", "a/../b.wav"); got != "b.wav" {
		t.Fatalf("objectKey = %q", got)
	}
	if got := listPrefix("base", ""); got != "base/" {
		t.Fatalf("listPrefix root = %q", got)
	}
	if got := listPrefix("", ""); got != "" {
		t.Fatalf("listPrefix empty = %q", got)
	}
	if got := relativeKey("base", "base/songs/"); got != "songs" {
		t.Fatalf("relativeKey = %q", got)
	}
}

func TestS3Endpoint(t *testing.T) {
	off := false
	testCases := []struct {
		name       string
		cfg        Config
		wantHost   string
		wantSecure bool
	}{
		{name: "default", cfg: Config{}, wantHost: "s3.amazonaws.com", wantSecure: true},
		{name: "http scheme", cfg: Config{Endpoint: "http://minio:9000"}, wantHost: "minio:9000", wantSecure: false},
		{name: "explicit ssl off", cfg: Config{Endpoint: "minio:9000", UseSSL: &off}, wantHost: "minio:9000", wantSecure: false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			host, secure := s3Endpoint(tc.cfg)
			if host != tc.wantHost || secure != tc.wantSecure {
				t.Fatalf("s3Endpoint = %q, %v; want %q, %v", host, secure, tc.wantHost, tc.wantSecure)
			}
		})
	}
}

func TestCredentialsJSON(t *testing.T) {
	inline := Config{ServiceAccountKey: []byte(`{"type":"service_account"}`)}
	if data, err := inline.credentialsJSON(); err != nil || string(data) != `{"type":"service_account"}` {
		t.Fatalf("inline = %q, %v", data, err)
	}

	quoted := Config{ServiceAccountKey: []byte(`"{\"type\":\"service_account\"}"`)}
	if data, err := quoted.credentialsJSON(); err != nil || string(data) != `{"type":"service_account"}` {
		t.Fatalf("quoted = %q, %v", data, err)
	}

	keyPath := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(keyPath, []byte(`{"k":1}`), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	fromFile := Config{ServiceAccountKey: []byte(`"` + filepath.ToSlash(keyPath) + `"`)}
	if data, err := fromFile.credentialsJSON(); err != nil || string(data) != `{"k":1}` {
		t.Fatalf("file = %q, %v", data, err)
	}

	if data, err := (Config{}).credentialsJSON(); err != nil || data != nil {
		t.Fatalf("empty = %q, %v", data, err)
	}
}
