package registry

// SchemaRegistry manages JSON schemas by kind.
type SchemaRegistry interface {
	// Register adds a schema for a kind (e.g. "manifest").
	// model can be a struct (to generate schema) or a JSON schema string,
	// byte slice or map.
	Register(kind string, model any) error

	// GetSchema returns the JSON schema for a kind.
	GetSchema(kind string) (string, bool)

	// List returns all registered kinds, sorted.
	List() []string
}
