package files

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agstudio/internal/blob"
	"agstudio/internal/metadata"
	"agstudio/internal/versioning"
)

// NamespaceConfig is the JSON carried by STORAGE_CONFIG_JSON and
// HISTORY_STORAGE_CONFIG_JSON: the blob backend fields at the top level plus
// an optional "metadata" object selecting the metadata store.
type NamespaceConfig struct {
	blob.Config
	Metadata metadata.Config `json:"metadata"`
}

// ParseNamespaceConfig decodes raw and applies backend defaults. An empty
// blob yields a filesystem namespace rooted at defaultRoot.
func ParseNamespaceConfig(raw, defaultRoot string) (NamespaceConfig, error) {
	var cfg NamespaceConfig
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &cfg); err != nil {
			return NamespaceConfig{}, fmt.Errorf("parse storage config: %w", err)
		}
	}
	blobCfg, err := cfg.Config.WithDefaults(defaultRoot)
	if err != nil {
		return NamespaceConfig{}, err
	}
	cfg.Config = blobCfg
	return cfg, nil
}

// OpenNamespace constructs the backend and metadata store of one namespace.
// defaultDSN is the sqlite file used when no metadata DSN is configured.
func OpenNamespace(ctx context.Context, cfg NamespaceConfig, defaultDSN string) (versioning.Namespace, error) {
	backend, err := blob.Open(ctx, cfg.Config)
	if err != nil {
		return versioning.Namespace{}, fmt.Errorf("open %s storage: %w", cfg.Type, err)
	}
	store, err := metadata.Open(ctx, cfg.Metadata, defaultDSN)
	if err != nil {
		_ = backend.Close()
		return versioning.Namespace{}, fmt.Errorf("open metadata store: %w", err)
	}
	return versioning.Namespace{Blobs: backend, Metadata: store}, nil
}

// CloseNamespace releases both halves of ns.
func CloseNamespace(ns versioning.Namespace) error {
	var firstErr error
	if ns.Metadata != nil {
		firstErr = ns.Metadata.Close()
	}
	if ns.Blobs != nil {
		if err := ns.Blobs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
