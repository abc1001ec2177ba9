package values

import "fmt"

// PluginIdentity is the immutable identity of a plugin package.
type PluginIdentity struct {
	id             PluginID
	version        Version
	publisherKeyID string
}

// NewPluginIdentity builds an identity. All fields are required.
func NewPluginIdentity(id PluginID, version Version, publisherKeyID string) (PluginIdentity, error) {
	if id.IsEmpty() {
		return PluginIdentity{}, fmt.Errorf("plugin identity requires an id")
	}
	if version.IsZero() {
		return PluginIdentity{}, fmt.Errorf("plugin identity requires a version")
	}
	if publisherKeyID == "" {
		return PluginIdentity{}, fmt.Errorf("plugin identity requires a publisher key id")
	}
	return PluginIdentity{id: id, version: version, publisherKeyID: publisherKeyID}, nil
}

func (i PluginIdentity) ID() PluginID           { return i.id }
func (i PluginIdentity) Version() Version       { return i.version }
func (i PluginIdentity) PublisherKeyID() string { return i.publisherKeyID }

// String returns "namespace/name@version".
func (i PluginIdentity) String() string {
	return fmt.Sprintf("%s@%s", i.id, i.version)
}
