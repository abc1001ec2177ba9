package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input     string
		wantName  Name
		wantScope string
		wantErr   bool
	}{
		{"storage:read", "storage:read", "", false},
		{"network:fetch(domain=*.example.com)", "network:fetch", "domain=*.example.com", false},
		{"network:fetch(port=443, domain=api.example.com)", "network:fetch", "domain=api.example.com,port=443", false},
		{"  fs:read(path=/var/log/**)  ", "fs:read", "path=/var/log/**", false},
		{"network:fetch()", "", "", true},
		{"network:fetch(domain=a", "", "", true},
		{"network:fetch(domain)", "", "", true},
		{"network:fetch(domain=a,domain=b)", "", "", true},
		{"network:fetch(Domain=a)", "", "", true},
		{"network:fetch(domain=)", "", "", true},
		{"networkfetch", "", "", true},
		{"Network:Fetch", "", "", true},
		{":fetch", "", "", true},
		{"storage:read=x", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, got.Name)
			assert.Equal(t, tt.wantScope, got.Scope.String())
		})
	}
}

func TestCapability_StringRoundTrip(t *testing.T) {
	t.Parallel()

	c := MustParse("network:fetch(port=443,domain=*.example.com)")
	assert.Equal(t, "network:fetch(domain=*.example.com,port=443)", c.String())

	back := MustParse(c.String())
	assert.True(t, c.Equals(back))

	text, err := c.MarshalText()
	require.NoError(t, err)
	var decoded Capability
	require.NoError(t, decoded.UnmarshalText(text))
	assert.True(t, c.Equals(decoded))
}

func TestName_Parts(t *testing.T) {
	t.Parallel()

	n, err := ParseName("network:fetch")
	require.NoError(t, err)
	assert.Equal(t, "network", n.Domain())
	assert.Equal(t, "fetch", n.Action())
}

func TestScope_Immutable(t *testing.T) {
	t.Parallel()

	params := map[string]string{"bucket": "logs"}
	s := MustScope(params)
	params["bucket"] = "secrets"

	v, ok := s.Get("bucket")
	require.True(t, ok)
	assert.Equal(t, "logs", v)

	m := s.Map()
	m["bucket"] = "secrets"
	v, _ = s.Get("bucket")
	assert.Equal(t, "logs", v)
}

func TestCatalog_Check(t *testing.T) {
	t.Parallel()

	cat := DefaultCatalog()

	tests := []struct {
		decl     string
		wantErrs int
	}{
		{"storage:read(bucket=logs)", 0},
		{"network:fetch(domain=*.example.com,port=443)", 0},
		{"network:fetch(domain=*.example.com,port=99999)", 1},
		{"network:fetch(domain=*evil*)", 1},
		{"network:fetch", 1},
		{"storage:read(bucket=logs,region=eu)", 1},
		{"fs:read(path=/etc/../root)", 1},
		{"clock:read", 0},
		{"teleport:now", 1},
	}

	for _, tt := range tests {
		t.Run(tt.decl, func(t *testing.T) {
			t.Parallel()
			errs := cat.Check(MustParse(tt.decl))
			assert.Len(t, errs, tt.wantErrs, "%v", errs)
		})
	}
}

func TestCatalog_Names(t *testing.T) {
	t.Parallel()

	cat := NewCatalog()
	cat.Register(Definition{Name: "b:x"})
	cat.Register(Definition{Name: "a:x"})
	assert.Equal(t, []Name{"a:x", "b:x"}, cat.Names())
	assert.Nil(t, cat.Kinds("c:x"))
}
