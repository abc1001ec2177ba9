package entities

import (
	"time"

	"github.com/reglet-dev/reglet-trust/plugin/values"
)

// InstalledPlugin is the repository record of an installed package. The
// package bytes and raw manifest are kept so the package can be re-verified
// after a key revocation.
type InstalledPlugin struct {
	PluginID    string          `json:"pluginId"`
	Version     string          `json:"version"`
	Digest      values.Digest   `json:"digest"`
	Signature   SignatureRecord `json:"signature"`
	InstalledAt time.Time       `json:"installedAt"`
	Status      InstallStatus   `json:"status"`
}

// InstallStatus tracks whether an installed plugin may still run.
type InstallStatus string

const (
	InstallActive      InstallStatus = "active"
	InstallQuarantined InstallStatus = "quarantined"
)
