package scanner_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/scanner"
)

// trivialWASM exports a no-op "run".
var trivialWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 'r', 'u', 'n', 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

// wasiPathOpenWASM imports wasi_snapshot_preview1.path_open.
func wasiPathOpenWASM() []byte {
	mod := "wasi_snapshot_preview1"
	name := "path_open"
	b := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	b = append(b, 0x01, 0x04, 0x01, 0x60, 0x00, 0x00)
	body := []byte{0x01, byte(len(mod))}
	body = append(body, mod...)
	body = append(body, byte(len(name)))
	body = append(body, name...)
	body = append(body, 0x00, 0x00)
	b = append(b, 0x02, byte(len(body)))
	return append(b, body...)
}

func newScanner(t *testing.T, opts ...scanner.Option) *scanner.Scanner {
	t.Helper()
	s, err := scanner.New(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func manifest(caps ...string) *entities.PluginManifest {
	parsed := make([]capability.Capability, 0, len(caps))
	for _, c := range caps {
		parsed = append(parsed, capability.MustParse(c))
	}
	return entities.NewPluginManifest(entities.ManifestSpec{
		Capabilities: parsed,
		Runtime:      entities.RuntimeLua,
		Main:         "main.lua",
		EntryPoints:  []string{"run"},
	})
}

func TestScan_CleanBundle(t *testing.T) {
	t.Parallel()
	s := newScanner(t)

	bundle := map[string][]byte{
		"main.lua": []byte(`function run()
  host.call("log:write", {msg = "hi"})
end
`),
	}
	report, err := s.Scan(context.Background(), bundle, manifest("log:write"))
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
	assert.Equal(t, 1, report.FilesScanned)
	assert.False(t, report.HasCritical())
}

func TestScan_LuaRules(t *testing.T) {
	t.Parallel()
	s := newScanner(t)

	tests := []struct {
		name     string
		source   string
		ruleID   string
		severity scanner.Severity
		capab    capability.Name
		line     int
	}{
		{"dynamic eval", "local x = 1\nlocal f = loadstring(code)\n", "lua-dynamic-eval", scanner.SeverityCritical, "", 2},
		{"io open", "local fh = io.open('/etc/passwd')\n", "lua-direct-fs", scanner.SeverityCritical, "fs:read", 1},
		{"os execute", "\n\nos.execute('rm -rf /')\n", "lua-process-spawn", scanner.SeverityCritical, "exec:spawn", 3},
		{"socket", "local s = require('socket')\n", "lua-direct-network", scanner.SeverityCritical, "network:fetch", 1},
		{"debug", "debug.sethook(f, 'c')\n", "lua-debug-library", scanner.SeverityWarning, "", 1},
		{"global tamper", "setmetatable(_G, {})\n", "lua-global-tamper", scanner.SeverityWarning, "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			report, err := s.Scan(context.Background(), map[string][]byte{"main.lua": []byte(tt.source)}, nil)
			require.NoError(t, err)
			require.Len(t, report.Findings, 1, "%v", report.Findings)
			f := report.Findings[0]
			assert.Equal(t, tt.ruleID, f.RuleID)
			assert.Equal(t, tt.severity, f.Severity)
			assert.Equal(t, tt.capab, f.CapabilityImplicated)
			assert.Equal(t, tt.line, f.Location.Line)
			assert.Equal(t, "main.lua", f.Location.Path)
		})
	}
}

func TestScan_RulesOnlyApplyToMatchingFiles(t *testing.T) {
	t.Parallel()
	s := newScanner(t)

	report, err := s.Scan(context.Background(), map[string][]byte{
		"README.md": []byte("Never call loadstring(x) in a plugin."),
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestScan_CommentedCodeIgnored(t *testing.T) {
	t.Parallel()
	s := newScanner(t)

	src := "-- loadstring(x) is forbidden\nlocal y = 2 -- os.execute('ls')\n"
	report, err := s.Scan(context.Background(), map[string][]byte{"main.lua": []byte(src)}, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestScan_CommentDetection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		src   string
		wantN int
	}{
		{"dashes inside double quotes", `local sep = "--"; local f = io.open("/etc/passwd")`, 1},
		{"dashes inside single quotes", `local sep = '--' io.open("/etc/passwd")`, 1},
		{"escaped quote before dashes", `local s = "a\"--" io.open("/etc/passwd")`, 1},
		{"dashes inside long string", "local s = [[ -- ]] io.open('/etc/passwd')", 1},
		{"dashes inside leveled long string", "local s = [==[ ]] -- ]==] io.open('/etc/passwd')", 1},
		{"code after block comment", "--[[ note ]] io.open('/etc/passwd')", 1},
		{"line comment", "local x = 1 -- io.open('/etc/passwd')", 0},
		{"block comment", "--[[\nio.open('/etc/passwd')\n]]", 0},
		{"leveled block comment", "--[=[ ]] io.open('/etc/passwd') ]=]", 0},
		{"unterminated block comment", "--[[ io.open('/etc/passwd')", 0},
		{"code on the line after a comment", "-- note\nio.open('/etc/passwd')", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newScanner(t)
			report, err := s.Scan(context.Background(), map[string][]byte{"main.lua": []byte(tt.src)}, nil)
			require.NoError(t, err)

			var direct []scanner.Finding
			for _, f := range report.Findings {
				if f.RuleID == "lua-direct-fs" {
					direct = append(direct, f)
				}
			}
			assert.Len(t, direct, tt.wantN)
		})
	}
}

func TestScan_CapabilityMismatch(t *testing.T) {
	t.Parallel()
	s := newScanner(t)

	src := `function run()
  host.call("log:write", {msg = "start"})
  host.call("network:fetch", {url = "https://evil.com"})
end
`
	report, err := s.Scan(context.Background(), map[string][]byte{"main.lua": []byte(src)}, manifest("log:write"))
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)

	f := report.Findings[0]
	assert.Equal(t, scanner.RuleCapabilityMismatch, f.RuleID)
	assert.Equal(t, scanner.SeverityCritical, f.Severity)
	assert.Equal(t, capability.Name("network:fetch"), f.CapabilityImplicated)
	assert.Equal(t, 3, f.Location.Line)
	assert.True(t, report.HasCritical())
	assert.Equal(t, []capability.Name{"network:fetch"}, report.CriticalCapabilities())
}

func TestScan_ScopedCallMismatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		call     string
		wantCrit []capability.Name
	}{
		{"scoped undeclared call", `host.call("network:fetch(domain=evil.com)", {})`, []capability.Name{"network:fetch"}},
		{"scoped single quotes", `host.call('network:fetch(domain=evil.com)', {})`, []capability.Name{"network:fetch"}},
		{"scoped declared call", `host.call("storage:read(bucket=logs)", {})`, nil},
		{"scope with wildcard", `host.call("fs:read(path=/tmp/*)", {})`, []capability.Name{"fs:read"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newScanner(t)
			src := "function run()\n  " + tt.call + "\nend\n"
			report, err := s.Scan(context.Background(), map[string][]byte{"main.lua": []byte(src)},
				manifest("storage:read(bucket=logs)"))
			require.NoError(t, err)

			assert.Equal(t, tt.wantCrit, report.CriticalCapabilities())
			if tt.wantCrit == nil {
				assert.False(t, report.HasCritical())
				return
			}
			var mismatch *scanner.Finding
			for i := range report.Findings {
				if report.Findings[i].RuleID == scanner.RuleCapabilityMismatch {
					mismatch = &report.Findings[i]
				}
			}
			require.NotNil(t, mismatch)
			assert.Equal(t, scanner.SeverityCritical, mismatch.Severity)
			assert.Equal(t, 2, mismatch.Location.Line)
		})
	}
}

func TestScan_UnusedDeclaration(t *testing.T) {
	t.Parallel()
	s := newScanner(t)

	src := `host.call("log:write", {})`
	report, err := s.Scan(context.Background(), map[string][]byte{"main.lua": []byte(src)},
		manifest("log:write", "storage:read(bucket=logs)"))
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, scanner.RuleUnusedCapability, report.Findings[0].RuleID)
	assert.Equal(t, scanner.SeverityInfo, report.Findings[0].Severity)
	assert.Equal(t, "manifest", report.Findings[0].Location.Path)
}

func TestScan_KnownVulnerableDependency(t *testing.T) {
	t.Parallel()

	vendored := []byte("return { version = '0.9.1' }\n")
	sum := sha256.Sum256(vendored)
	rs, err := scanner.LoadRuleSet([]byte(fmt.Sprintf(`
knownBad:
  - sha256: %s
    name: json.lua 0.9.1
    advisory: ADV-2024-001
`, hex.EncodeToString(sum[:]))))
	require.NoError(t, err)
	s := newScanner(t, scanner.WithRules(scanner.BuiltinRules().Merge(rs)))

	report, err := s.Scan(context.Background(), map[string][]byte{
		"main.lua":        []byte("local json = require 'vendor.json'\n"),
		"vendor/json.lua": vendored,
	}, nil)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, scanner.RuleKnownVulnerable, report.Findings[0].RuleID)
	assert.Equal(t, "vendor/json.lua", report.Findings[0].Location.Path)
	assert.Contains(t, report.Findings[0].Message, "ADV-2024-001")
}

func TestScan_WASM(t *testing.T) {
	t.Parallel()
	s := newScanner(t)

	t.Run("clean module", func(t *testing.T) {
		t.Parallel()
		report, err := s.Scan(context.Background(), map[string][]byte{"plugin.wasm": trivialWASM}, nil)
		require.NoError(t, err)
		assert.Empty(t, report.Findings)
	})

	t.Run("wasi filesystem import", func(t *testing.T) {
		t.Parallel()
		report, err := s.Scan(context.Background(), map[string][]byte{"plugin.wasm": wasiPathOpenWASM()}, nil)
		require.NoError(t, err)
		require.Len(t, report.Findings, 1)
		f := report.Findings[0]
		assert.Equal(t, scanner.RuleWASMImport, f.RuleID)
		assert.Equal(t, scanner.SeverityCritical, f.Severity)
		assert.Equal(t, capability.Name("fs:read"), f.CapabilityImplicated)
		assert.Contains(t, f.Message, "path_open")
	})

	t.Run("malformed module", func(t *testing.T) {
		t.Parallel()
		report, err := s.Scan(context.Background(), map[string][]byte{"plugin.wasm": []byte("\x00asm garbage")}, nil)
		require.NoError(t, err)
		require.Len(t, report.Findings, 1)
		assert.Equal(t, scanner.RuleMalformedWASM, report.Findings[0].RuleID)
		assert.Equal(t, scanner.SeverityWarning, report.Findings[0].Severity)
	})
}

func TestScan_DeterministicAndRanked(t *testing.T) {
	t.Parallel()
	s := newScanner(t, scanner.WithWorkers(3))

	bundle := map[string][]byte{}
	for i := 0; i < 20; i++ {
		bundle[fmt.Sprintf("lib/mod%02d.lua", i)] = []byte(fmt.Sprintf(
			"debug.traceback()\nlocal f = load(src%d)\nhost.call(\"kv:write\", {})\n", i))
	}
	bundle["plugin.wasm"] = wasiPathOpenWASM()
	m := manifest("log:write")

	first, err := s.Scan(context.Background(), bundle, m)
	require.NoError(t, err)
	second, err := s.Scan(context.Background(), bundle, m)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// 20 files x (warning + eval + mismatch) + wasm import + unused log:write
	assert.Len(t, first.Findings, 62)
	rank := map[scanner.Severity]int{scanner.SeverityCritical: 2, scanner.SeverityWarning: 1, scanner.SeverityInfo: 0}
	for i := 1; i < len(first.Findings); i++ {
		assert.GreaterOrEqual(t, rank[first.Findings[i-1].Severity], rank[first.Findings[i].Severity])
	}
	assert.Equal(t, scanner.SeverityInfo, first.Findings[len(first.Findings)-1].Severity)
}

func TestScan_Concurrent(t *testing.T) {
	t.Parallel()
	s := newScanner(t, scanner.WithWorkers(2))

	bundle := map[string][]byte{"main.lua": []byte("os.execute('x')\n")}
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			r, err := s.Scan(context.Background(), bundle, nil)
			if err == nil && len(r.Findings) != 1 {
				err = fmt.Errorf("got %d findings", len(r.Findings))
			}
			errs <- err
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-errs)
	}
}

func TestScan_CanceledContext(t *testing.T) {
	t.Parallel()
	s := newScanner(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Scan(ctx, map[string][]byte{"main.lua": []byte("x = 1")}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSort(t *testing.T) {
	t.Parallel()
	fs := []scanner.Finding{
		{RuleID: "b", Severity: scanner.SeverityInfo, Location: scanner.Location{Path: "a"}},
		{RuleID: "z", Severity: scanner.SeverityCritical, Location: scanner.Location{Path: "b", Offset: 5}},
		{RuleID: "a", Severity: scanner.SeverityCritical, Location: scanner.Location{Path: "b", Offset: 5}},
		{RuleID: "a", Severity: scanner.SeverityCritical, Location: scanner.Location{Path: "a", Offset: 9}},
		{RuleID: "a", Severity: scanner.SeverityWarning, Location: scanner.Location{Path: "a"}},
	}
	scanner.Sort(fs)

	got := make([]string, len(fs))
	for i, f := range fs {
		got[i] = fmt.Sprintf("%s/%s/%d/%s", f.Severity, f.Location.Path, f.Location.Offset, f.RuleID)
	}
	assert.Equal(t, []string{
		"critical/a/9/a",
		"critical/b/5/a",
		"critical/b/5/z",
		"warning/a/0/a",
		"info/a/0/b",
	}, got)
}
