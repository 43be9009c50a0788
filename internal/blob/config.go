package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const defaultBucketName = "my-bucket"

// Config selects a backend and carries its credentials. Field names follow
// the JSON blobs operators already pass through STORAGE_CONFIG_JSON.
type Config struct {
	Type              string          `json:"type"`
	Root              string          `json:"root"`
	BucketName        string          `json:"bucket_name"`
	AccessKeyID       string          `json:"awsAccessKeyId"`
	SecretAccessKey   string          `json:"awsSecretAccessKey"`
	Endpoint          string          `json:"endpoint"`
	Region            string          `json:"region"`
	UseSSL            *bool           `json:"useSSL"`
	ServiceAccountKey json.RawMessage `json:"gcpServiceAccountKey"`
}

// Kind resolves the configured backend kind, defaulting to the filesystem.
func (c Config) Kind() (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "", string(KindFile), "local":
		return KindFile, nil
	case string(KindS3):
		return KindS3, nil
	case string(KindGCS), "gs":
		return KindGCS, nil
	default:
		return "", fmt.Errorf("unsupported storage type: %s", c.Type)
	}
}

// WithDefaults fills the root for the resolved kind. defaultRoot is used for
// filesystem backends; object stores default to <scheme>://<bucket_name>.
func (c Config) WithDefaults(defaultRoot string) (Config, error) {
	kind, err := c.Kind()
	if err != nil {
		return c, err
	}
	c.Type = string(kind)
	if strings.TrimSpace(c.Root) != "" {
		return c, nil
	}
	bucket := strings.TrimSpace(c.BucketName)
	if bucket == "" {
		bucket = defaultBucketName
	}
	switch kind {
	case KindS3:
		c.Root = "s3://" + bucket
	case KindGCS:
		c.Root = "gcs://" + bucket
	default:
		c.Root = defaultRoot
	}
	return c, nil
}

// ParseConfig decodes a JSON configuration blob. An empty blob yields a
// filesystem backend rooted at defaultRoot.
func ParseConfig(raw, defaultRoot string) (Config, error) {
	var cfg Config
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse storage config: %w", err)
		}
	}
	return cfg.WithDefaults(defaultRoot)
}

// Open constructs the backend selected by cfg.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	kind, err := cfg.Kind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindS3:
		return NewS3(ctx, cfg)
	case KindGCS:
		return NewGCS(ctx, cfg)
	default:
		return NewLocal(cfg.Root)
	}
}

// splitObjectRoot turns "s3://bucket/some/prefix" into its bucket and prefix.
func splitObjectRoot(root string) (string, string, error) {
	trimmed := strings.TrimSpace(root)
	if idx := strings.Index(trimmed, "://"); idx >= 0 {
		trimmed = trimmed[idx+3:]
	}
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", "", fmt.Errorf("object storage root %q has no bucket", root)
	}
	bucket, prefix, _ := strings.Cut(trimmed, "/")
	return bucket, cleanRel(prefix), nil
}

// credentialsJSON returns the service account key as JSON bytes. The value
// may be an inline object, a string holding JSON, or a path to a key file.
func (c Config) credentialsJSON() ([]byte, error) {
	raw := []byte(strings.TrimSpace(string(c.ServiceAccountKey)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '{' {
		return raw, nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode gcpServiceAccountKey: %w", err)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "{") {
		return []byte(value), nil
	}
	data, err := os.ReadFile(value)
	if err != nil {
		return nil, fmt.Errorf("read gcp service account key: %w", err)
	}
	return data, nil
}
