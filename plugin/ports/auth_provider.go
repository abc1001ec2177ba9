package ports

import "context"

// AuthProvider retrieves credentials for package registries.
type AuthProvider interface {
	// Credentials returns (username, secret, error) for the registry host.
	// An empty username means anonymous access.
	Credentials(ctx context.Context, host string) (string, string, error)
}
