// Package parser decodes raw plugin manifests (YAML or JSON) into their
// document form. It performs no semantic validation.
package parser

// ManifestDocument is the wire shape of a plugin manifest. The JSON schema
// used by the validator is reflected from this type, so tags here define
// the accepted shape.
type ManifestDocument struct {
	ID           string            `json:"id" jsonschema:"minLength=3,maxLength=129,description=Namespaced plugin id (namespace/name)"`
	Version      string            `json:"version" jsonschema:"minLength=1,description=Semantic version"`
	Publisher    string            `json:"publisher" jsonschema:"minLength=1,description=Key id of the publishing key"`
	Description  string            `json:"description,omitempty" jsonschema:"maxLength=1024"`
	Runtime      string            `json:"runtime" jsonschema:"enum=wasm,enum=lua"`
	Main         string            `json:"main" jsonschema:"minLength=1,description=Bundle path of the module or script"`
	Capabilities []string          `json:"capabilities,omitempty" jsonschema:"uniqueItems=true"`
	Resources    *ResourceDocument `json:"resources,omitempty"`
	EntryPoints  []string          `json:"entryPoints" jsonschema:"minItems=1"`
}

// ResourceDocument is the requested resource envelope.
type ResourceDocument struct {
	MaxMemoryMB       int     `json:"maxMemoryMB,omitempty" jsonschema:"minimum=1,maximum=1048576"`
	MaxCPUSeconds     float64 `json:"maxCpuSeconds,omitempty" jsonschema:"minimum=0,maximum=86400"`
	MaxCallsPerSecond int     `json:"maxCallsPerSecond,omitempty" jsonschema:"minimum=0,maximum=1000000"`
}
