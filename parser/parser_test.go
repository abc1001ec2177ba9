package parser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-trust/parser"
)

const yamlManifest = `
id: acme/logship
version: 1.2.0
publisher: pub-1
runtime: lua
main: main.lua
capabilities:
  - storage:read(bucket=logs)
  - log:write
resources:
  maxMemoryMB: 32
  maxCpuSeconds: 0.5
entryPoints: [run, health]
`

func TestParser_Parse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"YAML", yamlManifest, false},
		{"JSON", `{"id":"acme/logship","version":"1.2.0","publisher":"pub-1","runtime":"lua","main":"main.lua",` +
			`"capabilities":["storage:read(bucket=logs)","log:write"],"resources":{"maxMemoryMB":32,"maxCpuSeconds":0.5},` +
			`"entryPoints":["run","health"]}`, false},
		{"Empty", "   \n", true},
		{"UnknownField", "id: a/b\nshell: true\n", true},
		{"ScalarDocument", "just a string", true},
		{"BrokenJSON", `{"id": `, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc, err := parser.New().Parse([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "acme/logship", doc.ID)
			assert.Equal(t, []string{"storage:read(bucket=logs)", "log:write"}, doc.Capabilities)
			require.NotNil(t, doc.Resources)
			assert.Equal(t, 32, doc.Resources.MaxMemoryMB)
			assert.InDelta(t, 0.5, doc.Resources.MaxCPUSeconds, 1e-9)
			assert.Equal(t, []string{"run", "health"}, doc.EntryPoints)
		})
	}
}
