// Package oci fetches and publishes plugin packages as OCI artifacts.
package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/reglet-dev/reglet-trust/plugin/dto"
	"github.com/reglet-dev/reglet-trust/plugin/ports"
)

// Media types of the layers of a plugin package artifact.
const (
	ArtifactType      = "application/vnd.plugintrust.plugin.v1"
	MediaTypePackage  = "application/vnd.plugintrust.package.v1"
	MediaTypeSig      = "application/vnd.plugintrust.signature.v1+json"
	MediaTypeManifest = "application/vnd.plugintrust.manifest.v1+yaml"
	MediaTypeBundle   = "application/vnd.plugintrust.bundle.file.v1"
)

// Source implements ports.PackageSource with oras-go.
type Source struct {
	auth   ports.AuthProvider
	target func(ctx context.Context, ref registry.Reference) (oras.ReadOnlyTarget, error)
}

var _ ports.PackageSource = (*Source)(nil)

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithTarget fetches from a fixed target (e.g. an OCI layout or memory
// store) instead of a remote registry.
func WithTarget(t oras.ReadOnlyTarget) SourceOption {
	return func(s *Source) {
		s.target = func(context.Context, registry.Reference) (oras.ReadOnlyTarget, error) { return t, nil }
	}
}

// NewSource creates a package source.
func NewSource(authProvider ports.AuthProvider, opts ...SourceOption) *Source {
	s := &Source{auth: authProvider}
	s.target = s.remoteTarget
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) remoteTarget(ctx context.Context, ref registry.Reference) (oras.ReadOnlyTarget, error) {
	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Repository)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	if s.auth == nil {
		return repo, nil
	}
	username, password, err := s.auth.Credentials(ctx, ref.Registry)
	if err != nil {
		return nil, fmt.Errorf("registry credentials: %w", err)
	}
	if username != "" {
		repo.Client = &auth.Client{
			Client:     retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{Username: username, Password: password}),
		}
	}
	return repo, nil
}

// Fetch pulls "registry/repository:tag" (or @digest) into memory and
// splits it into a PackageArtifact.
func (s *Source) Fetch(ctx context.Context, ref string) (*dto.PackageArtifact, error) {
	parsed, err := registry.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("parse reference %q: %w", ref, err)
	}
	tag := parsed.Reference
	if tag == "" {
		tag = "latest"
	}

	src, err := s.target(ctx, parsed)
	if err != nil {
		return nil, err
	}
	store := memory.New()
	manifestDesc, err := oras.Copy(ctx, src, tag, store, tag, oras.CopyOptions{})
	if err != nil {
		return nil, fmt.Errorf("pull artifact: %w", err)
	}

	manifestBytes, err := content.FetchAll(ctx, store, manifestDesc)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}
	if manifest.ArtifactType != "" && manifest.ArtifactType != ArtifactType {
		return nil, fmt.Errorf("unexpected artifact type %q", manifest.ArtifactType)
	}

	artifact := &dto.PackageArtifact{Bundle: map[string][]byte{}}
	var sawPackage, sawSig bool
	for _, layer := range manifest.Layers {
		data, err := content.FetchAll(ctx, store, layer)
		if err != nil {
			return nil, fmt.Errorf("fetch layer %s: %w", layer.Digest, err)
		}
		switch layer.MediaType {
		case MediaTypePackage:
			artifact.Package, sawPackage = data, true
		case MediaTypeSig:
			if err := json.Unmarshal(data, &artifact.Signature); err != nil {
				return nil, fmt.Errorf("invalid signature layer: %w", err)
			}
			sawSig = true
		case MediaTypeManifest:
			artifact.Manifest = data
		case MediaTypeBundle:
			name := layer.Annotations[ocispec.AnnotationTitle]
			if name == "" {
				return nil, fmt.Errorf("bundle layer %s has no title", layer.Digest)
			}
			artifact.Bundle[name] = data
		}
	}
	if !sawPackage || !sawSig {
		return nil, fmt.Errorf("artifact %s is missing package or signature layer", ref)
	}
	return artifact, nil
}

// Publish pushes artifact into target and tags it.
func Publish(ctx context.Context, target oras.Target, tag string, artifact *dto.PackageArtifact) (ocispec.Descriptor, error) {
	sigJSON, err := json.Marshal(artifact.Signature)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	var layers []ocispec.Descriptor
	push := func(mediaType string, data []byte, annotations map[string]string) error {
		desc := content.NewDescriptorFromBytes(mediaType, data)
		desc.Annotations = annotations
		if err := target.Push(ctx, desc, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("push %s: %w", mediaType, err)
		}
		layers = append(layers, desc)
		return nil
	}

	if err := push(MediaTypePackage, artifact.Package, nil); err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := push(MediaTypeSig, sigJSON, nil); err != nil {
		return ocispec.Descriptor{}, err
	}
	if len(artifact.Manifest) > 0 {
		if err := push(MediaTypeManifest, artifact.Manifest, nil); err != nil {
			return ocispec.Descriptor{}, err
		}
	}
	for name, data := range artifact.Bundle {
		if err := push(MediaTypeBundle, data, map[string]string{ocispec.AnnotationTitle: name}); err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	desc, err := oras.PackManifest(ctx, target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{Layers: layers})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("pack manifest: %w", err)
	}
	if err := target.Tag(ctx, desc, tag); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("tag %s: %w", tag, err)
	}
	return desc, nil
}
