// Package dto holds transfer objects exchanged between the kernel and
// package stores.
package dto

import (
	"maps"

	"github.com/reglet-dev/reglet-trust/plugin/entities"
)

// PackageArtifact is one plugin package as delivered to the kernel: the
// signed package bytes, the detached signature, the raw manifest and the
// unpacked bundle files the scanner and sandbox read.
type PackageArtifact struct {
	Package   []byte
	Signature entities.SignatureRecord
	Manifest  []byte
	Bundle    map[string][]byte
}

// NewPackageArtifact creates an artifact, copying the bundle map.
func NewPackageArtifact(pkg []byte, sig entities.SignatureRecord, manifest []byte, bundle map[string][]byte) *PackageArtifact {
	return &PackageArtifact{
		Package:   pkg,
		Signature: sig,
		Manifest:  manifest,
		Bundle:    maps.Clone(bundle),
	}
}

// File returns a bundle file by path.
func (a *PackageArtifact) File(path string) ([]byte, bool) {
	if a == nil || a.Bundle == nil {
		return nil, false
	}
	b, ok := a.Bundle[path]
	return b, ok
}
