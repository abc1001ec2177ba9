package scanner

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tetratelabs/wazero"

	"github.com/reglet-dev/reglet-trust/capability"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

func isWASM(path string, data []byte) bool {
	if ok, _ := doublestar.Match("**/*.wasm", path); ok {
		return true
	}
	return bytes.HasPrefix(data, wasmMagic)
}

// scanWASM compiles the module without instantiating it and checks the
// import table. Capability names embedded in the module's data are
// treated as mediated usage.
func (s *Scanner) scanWASM(ctx context.Context, path string, data []byte) fileResult {
	var res fileResult

	cm, err := s.wasm.CompileModule(ctx, data)
	if err != nil {
		res.findings = append(res.findings, Finding{
			RuleID:   RuleMalformedWASM,
			Severity: SeverityWarning,
			Location: Location{Path: path},
			Message:  fmt.Sprintf("module does not compile: %v", err),
		})
		return res
	}
	defer cm.Close(ctx)

	for _, fn := range cm.ImportedFunctions() {
		module, name, _ := fn.Import()
		for _, rule := range s.rules.Imports {
			mOK, _ := doublestar.Match(rule.Module, module)
			nOK, _ := doublestar.Match(rule.Name, name)
			if !mOK || !nOK {
				continue
			}
			res.findings = append(res.findings, Finding{
				RuleID:               RuleWASMImport,
				Severity:             rule.Severity,
				Location:             Location{Path: path, Offset: int(fn.Index())},
				Message:              fmt.Sprintf("%s: %s.%s", rule.Message, module, name),
				CapabilityImplicated: rule.Capability,
			})
		}
	}

	for _, n := range s.catalog.Names() {
		if off := bytes.Index(data, []byte(n)); off >= 0 {
			res.uses = append(res.uses, capabilityUse{name: n, loc: Location{Path: path, Offset: off}})
		}
	}
	return res
}

func newAnalysisRuntime(ctx context.Context) wazero.Runtime {
	return wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
}

type capabilityUse struct {
	name capability.Name
	loc  Location
}
