package oci

import (
	"context"
	"os"
	"strings"

	"github.com/reglet-dev/reglet-trust/plugin/ports"
)

// EnvAuthProvider reads registry credentials from the environment.
// Host-specific variables (PLUGINTRUST_REGISTRY_<HOST>_USERNAME, with the
// host upper-cased and non-alphanumerics as underscores) win over
// PLUGINTRUST_REGISTRY_USERNAME / PLUGINTRUST_REGISTRY_PASSWORD.
type EnvAuthProvider struct {
	lookup func(string) (string, bool)
}

var _ ports.AuthProvider = (*EnvAuthProvider)(nil)

// NewEnvAuthProvider creates an environment-based auth provider.
func NewEnvAuthProvider() *EnvAuthProvider {
	return &EnvAuthProvider{lookup: os.LookupEnv}
}

// Credentials implements ports.AuthProvider.
func (p *EnvAuthProvider) Credentials(_ context.Context, host string) (string, string, error) {
	prefix := "PLUGINTRUST_REGISTRY_" + envKey(host) + "_"
	if user, ok := p.lookup(prefix + "USERNAME"); ok {
		pass, _ := p.lookup(prefix + "PASSWORD")
		return user, pass, nil
	}
	user, _ := p.lookup("PLUGINTRUST_REGISTRY_USERNAME")
	pass, _ := p.lookup("PLUGINTRUST_REGISTRY_PASSWORD")
	return user, pass, nil
}

func envKey(host string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, host)
}
