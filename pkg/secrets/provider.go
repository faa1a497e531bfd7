package secrets

import "context"

// Provider fetches a JSON-map secret by name.
type Provider interface {
	GetSecret(ctx context.Context, name string) (map[string]string, error)
}
