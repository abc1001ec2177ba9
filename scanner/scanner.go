package scanner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/tetratelabs/wazero"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
)

// DefaultWorkers bounds concurrent file scans across all Scan calls.
const DefaultWorkers = 8

// Scanner inspects plugin bundles. It is safe for concurrent use; Close
// releases its worker pool.
type Scanner struct {
	rules   RuleSet
	catalog *capability.Catalog
	logger  *slog.Logger
	workers int

	pool *ants.Pool
	wasm wazero.Runtime
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithRules replaces the builtin rule set.
func WithRules(rs RuleSet) Option {
	return func(s *Scanner) { s.rules = rs }
}

// WithCatalog sets the catalog used to recognise capability names.
func WithCatalog(c *capability.Catalog) Option {
	return func(s *Scanner) { s.catalog = c }
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

// New creates a Scanner.
func New(ctx context.Context, opts ...Option) (*Scanner, error) {
	s := &Scanner{
		rules:   BuiltinRules(),
		catalog: capability.DefaultCatalog(),
		logger:  slog.Default(),
		workers: DefaultWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}

	pool, err := ants.NewPool(s.workers)
	if err != nil {
		return nil, fmt.Errorf("create scan pool: %w", err)
	}
	s.pool = pool
	s.wasm = newAnalysisRuntime(ctx)
	return s, nil
}

// Close releases the worker pool and the analysis runtime.
func (s *Scanner) Close(ctx context.Context) error {
	s.pool.Release()
	return s.wasm.Close(ctx)
}

type fileResult struct {
	findings []Finding
	uses     []capabilityUse
}

// Scan inspects every file in bundle and cross-checks mediated capability
// use against the manifest's declarations. It does not modify its inputs
// and returns the same report for the same inputs.
func (s *Scanner) Scan(ctx context.Context, bundle map[string][]byte, manifest *entities.PluginManifest) (Report, error) {
	paths := make([]string, 0, len(bundle))
	for p := range bundle {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	results := make([]fileResult, len(paths))
	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			results[i] = s.scanFile(ctx, p, bundle[p])
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return Report{}, fmt.Errorf("submit %s: %w", p, err)
		}
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	var findings []Finding
	used := make(map[capability.Name]bool)
	for _, r := range results {
		findings = append(findings, r.findings...)
		for _, u := range r.uses {
			used[u.name] = true
			if manifest != nil && !manifest.Declares(u.name) {
				findings = append(findings, Finding{
					RuleID:               RuleCapabilityMismatch,
					Severity:             SeverityCritical,
					Location:             u.loc,
					Message:              fmt.Sprintf("uses %s without declaring it", u.name),
					CapabilityImplicated: u.name,
				})
			}
		}
	}
	if manifest != nil {
		for _, c := range manifest.Capabilities() {
			if used[c.Name] || hasDirectRule(findings, c.Name) {
				continue
			}
			findings = append(findings, Finding{
				RuleID:               RuleUnusedCapability,
				Severity:             SeverityInfo,
				Location:             Location{Path: "manifest"},
				Message:              fmt.Sprintf("declares %s but no use was found", c),
				CapabilityImplicated: c.Name,
			})
		}
	}

	findings = dedupe(findings)
	Sort(findings)
	report := Report{Findings: findings, FilesScanned: len(paths)}
	s.logger.DebugContext(ctx, "bundle scanned",
		"files", len(paths),
		"critical", report.Count(SeverityCritical),
		"warning", report.Count(SeverityWarning),
		"info", report.Count(SeverityInfo))
	return report, nil
}

func (s *Scanner) scanFile(ctx context.Context, path string, data []byte) fileResult {
	var res fileResult

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	for _, kb := range s.rules.KnownBad {
		if kb.SHA256 != digest {
			continue
		}
		msg := "known-vulnerable dependency " + kb.Name
		if kb.Advisory != "" {
			msg += " (" + kb.Advisory + ")"
		}
		res.findings = append(res.findings, Finding{
			RuleID:   RuleKnownVulnerable,
			Severity: SeverityCritical,
			Location: Location{Path: path},
			Message:  msg,
		})
	}

	if isWASM(path, data) {
		wr := s.scanWASM(ctx, path, data)
		res.findings = append(res.findings, wr.findings...)
		res.uses = append(res.uses, wr.uses...)
		return res
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return res
	}

	lines := newLineIndex(data)
	comments := lexComments(data)
	for _, rule := range s.rules.Rules {
		if !rule.appliesTo(path) {
			continue
		}
		for _, m := range rule.re.FindAllIndex(data, -1) {
			if comments.contains(m[0]) {
				continue
			}
			res.findings = append(res.findings, Finding{
				RuleID:               rule.ID,
				Severity:             rule.Severity,
				Location:             Location{Path: path, Offset: m[0], Line: lines.line(m[0])},
				Message:              rule.Message,
				CapabilityImplicated: rule.Capability,
			})
		}
	}

	if s.rules.callRe != nil {
		for _, m := range s.rules.callRe.FindAllSubmatchIndex(data, -1) {
			if comments.contains(m[0]) {
				continue
			}
			name := capability.Name(data[m[2]:m[3]])
			res.uses = append(res.uses, capabilityUse{
				name: name,
				loc:  Location{Path: path, Offset: m[0], Line: lines.line(m[0])},
			})
		}
	}
	return res
}

// hasDirectRule reports whether a pattern rule already implicated name,
// which counts as use for the unused-declaration check.
func hasDirectRule(fs []Finding, name capability.Name) bool {
	for _, f := range fs {
		if f.CapabilityImplicated == name && f.RuleID != RuleCapabilityMismatch {
			return true
		}
	}
	return false
}

func dedupe(fs []Finding) []Finding {
	seen := make(map[Finding]bool, len(fs))
	out := fs[:0]
	for _, f := range fs {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(data []byte) lineIndex {
	idx := lineIndex{0}
	for i, b := range data {
		if b == '\n' {
			idx = append(idx, i+1)
		}
	}
	return idx
}

func (li lineIndex) line(off int) int {
	return sort.Search(len(li), func(i int) bool { return li[i] > off })
}

// commentSpans holds the sorted [start, end) byte ranges of Lua comments.
type commentSpans [][2]int

// lexComments finds line and block comments. Quoted and long-bracket
// strings are skipped, so a "--" inside a string opens no comment.
func lexComments(data []byte) commentSpans {
	var spans commentSpans
	for i := 0; i < len(data); {
		switch c := data[i]; {
		case c == '"' || c == '\'':
			i = skipQuoted(data, i)
		case c == '[':
			if end, ok := longBracket(data, i); ok {
				i = end
			} else {
				i++
			}
		case c == '-' && i+1 < len(data) && data[i+1] == '-':
			start := i
			if end, ok := longBracket(data, i+2); ok {
				i = end
			} else if nl := bytes.IndexByte(data[i:], '\n'); nl >= 0 {
				i += nl
			} else {
				i = len(data)
			}
			spans = append(spans, [2]int{start, i})
		default:
			i++
		}
	}
	return spans
}

// skipQuoted returns the offset past the string opened at i. Unterminated
// strings end at the line break.
func skipQuoted(data []byte, i int) int {
	quote := data[i]
	for i++; i < len(data); i++ {
		switch data[i] {
		case '\\':
			i++
		case quote, '\n':
			return i + 1
		}
	}
	return len(data)
}

// longBracket matches [[...]] or [==[...]==] opening at i and returns the
// offset past its close, or len(data) when it never closes.
func longBracket(data []byte, i int) (int, bool) {
	if i >= len(data) || data[i] != '[' {
		return 0, false
	}
	j := i + 1
	for j < len(data) && data[j] == '=' {
		j++
	}
	if j >= len(data) || data[j] != '[' {
		return 0, false
	}
	closer := "]" + strings.Repeat("=", j-i-1) + "]"
	if k := bytes.Index(data[j+1:], []byte(closer)); k >= 0 {
		return j + 1 + k + len(closer), true
	}
	return len(data), true
}

func (cs commentSpans) contains(off int) bool {
	k := sort.Search(len(cs), func(k int) bool { return cs[k][1] > off })
	return k < len(cs) && cs[k][0] <= off
}
