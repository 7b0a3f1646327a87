package config

import "context"

// SecretProvider resolves secret parameter paths to plaintext values. SSM
// backs it in deployed environments and the process environment locally.
type SecretProvider interface {
	// GetParametersBatch returns path -> value for every path it could
	// resolve. Missing paths are omitted rather than reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
