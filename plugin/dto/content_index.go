package dto

import (
	"bytes"
	"maps"
	"slices"

	"github.com/reglet-dev/reglet-trust/plugin/values"
)

// ManifestPath names the manifest entry in a content index.
const ManifestPath = ".manifest"

// ContentIndex returns the canonical package bytes for a manifest and
// bundle: one "<sha256 digest> <path>" line per entry, sorted by path, with
// the manifest listed under ManifestPath. Signing the index binds the
// signature to everything the kernel validates, scans and executes.
func ContentIndex(manifest []byte, bundle map[string][]byte) []byte {
	var buf bytes.Buffer
	line := func(path string, data []byte) {
		d, _ := values.ComputeDigest(values.AlgorithmSHA256, data)
		buf.WriteString(d.String())
		buf.WriteByte(' ')
		buf.WriteString(path)
		buf.WriteByte('\n')
	}
	line(ManifestPath, manifest)
	for _, path := range slices.Sorted(maps.Keys(bundle)) {
		line(path, bundle[path])
	}
	return buf.Bytes()
}

// Bound reports whether the artifact's package bytes are the content index
// of its manifest and bundle.
func (a *PackageArtifact) Bound() bool {
	return bytes.Equal(a.Package, ContentIndex(a.Manifest, a.Bundle))
}
