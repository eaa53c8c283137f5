package config

import "context"

// SecretProvider resolves secret references to plaintext values. The loader
// hands it every reference found in *_FILE variables in one batch.
type SecretProvider interface {
	// GetParametersBatch returns reference -> value for each reference it
	// could resolve. Unresolved references are omitted, not errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
