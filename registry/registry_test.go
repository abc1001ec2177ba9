package registry_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-trust/registry"
)

func TestDefault_ManifestSchema(t *testing.T) {
	t.Parallel()

	r := registry.Default()
	raw, ok := r.GetSchema(registry.KindManifest)
	require.True(t, ok)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, false, schema["additionalProperties"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	for _, field := range []string{"id", "version", "publisher", "runtime", "main", "capabilities", "resources", "entryPoints"} {
		assert.Contains(t, props, field)
	}
	assert.ElementsMatch(t, []any{"id", "version", "publisher", "runtime", "main", "entryPoints"}, schema["required"])
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()

	type scope struct {
		Bucket string `json:"bucket"`
	}

	tests := []struct {
		name    string
		model   any
		wantErr bool
	}{
		{"Struct", scope{}, false},
		{"Pointer", &scope{}, false},
		{"String", `{"type":"object"}`, false},
		{"Bytes", []byte(`{"type":"string"}`), false},
		{"Map", map[string]any{"type": "array"}, false},
		{"Unsupported", 42, true},
	}
	r := registry.NewRegistry()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.name, tt.model)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, ok := r.GetSchema(tt.name)
			assert.True(t, ok)
		})
	}

	assert.Error(t, r.Register("Struct", scope{}), "duplicate kinds are rejected")
	assert.Equal(t, []string{"Bytes", "Map", "Pointer", "String", "Struct"}, r.List())
}
