package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/reglet-dev/reglet-trust/capability"
	"github.com/reglet-dev/reglet-trust/parser"
	"github.com/reglet-dev/reglet-trust/plugin/entities"
	"github.com/reglet-dev/reglet-trust/plugin/values"
	"github.com/reglet-dev/reglet-trust/registry"
)

const mib = 1 << 20

// Ceilings are platform-wide hard limits on resource requests. Requests
// above a ceiling are rejected, never clamped.
type Ceilings struct {
	MaxMemoryBytes    int64
	MaxCPUPerInvoke   time.Duration
	MaxCallsPerSecond int
}

// DefaultCeilings returns the built-in hard limits.
func DefaultCeilings() Ceilings {
	return Ceilings{
		MaxMemoryBytes:    512 * mib,
		MaxCPUPerInvoke:   30 * time.Second,
		MaxCallsPerSecond: 1000,
	}
}

// DefaultResources is applied for omitted resource fields.
func DefaultResources() entities.ResourceRequest {
	return entities.ResourceRequest{
		MaxMemoryBytes:    64 * mib,
		MaxCPUPerInvoke:   5 * time.Second,
		MaxCallsPerSecond: 100,
	}
}

var entryPointPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Validator implements ManifestValidator.
type Validator struct {
	schema   *jsonschema.Schema
	catalog  *capability.Catalog
	ceilings Ceilings
	defaults entities.ResourceRequest
}

var _ ManifestValidator = (*Validator)(nil)

// Option configures a Validator.
type Option func(*Validator)

// WithCatalog sets the capability catalog used for scope checks.
func WithCatalog(c *capability.Catalog) Option {
	return func(v *Validator) { v.catalog = c }
}

// WithCeilings sets the hard resource ceilings.
func WithCeilings(c Ceilings) Option {
	return func(v *Validator) { v.ceilings = c }
}

// WithDefaultResources sets the values used for omitted resource fields.
func WithDefaultResources(r entities.ResourceRequest) Option {
	return func(v *Validator) { v.defaults = r }
}

// NewValidator compiles the manifest schema from reg.
func NewValidator(reg registry.SchemaRegistry, opts ...Option) (*Validator, error) {
	raw, ok := reg.GetSchema(registry.KindManifest)
	if !ok {
		return nil, fmt.Errorf("no %q schema registered", registry.KindManifest)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	const url = "mem://schemas/manifest.json"
	if err := compiler.AddResource(url, strings.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load manifest schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	v := &Validator{
		schema:   schema,
		ceilings: DefaultCeilings(),
		defaults: DefaultResources(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.catalog == nil {
		v.catalog = capability.DefaultCatalog()
	}
	return v, nil
}

// Validate parses and checks raw, accumulating every violation.
func (v *Validator) Validate(raw []byte) Result {
	return v.validate(raw, nil)
}

// ValidateBundle is Validate plus a check that the manifest's main module is
// present in bundle.
func (v *Validator) ValidateBundle(raw []byte, bundle map[string][]byte) Result {
	if bundle == nil {
		bundle = map[string][]byte{}
	}
	return v.validate(raw, bundle)
}

func (v *Validator) validate(raw []byte, bundle map[string][]byte) Result {
	js, err := parser.ToJSON(raw)
	if err != nil {
		return Result{Violations: []Violation{{Field: "$", Code: CodeParse, Message: err.Error()}}}
	}

	var c collector
	v.checkSchema(js, &c)

	var doc parser.ManifestDocument
	if err := json.Unmarshal(js, &doc); err != nil {
		// Shape errors are already reported by the schema.
		if len(c.violations) == 0 {
			c.add("$", CodeParse, err.Error())
		}
		return Result{Violations: c.sorted()}
	}

	identity := v.checkIdentity(&doc, &c)
	caps := v.checkCapabilities(doc.Capabilities, &c)
	resources := v.checkResources(doc.Resources, &c)
	v.checkEntryPoints(doc.EntryPoints, &c)
	if bundle != nil && doc.Main != "" && !c.reported("main") {
		if _, ok := bundle[doc.Main]; !ok {
			c.add("main", CodeMainNotInBundle, fmt.Sprintf("%q is not in the bundle", doc.Main))
		}
	}

	if len(c.violations) > 0 {
		return Result{Violations: c.sorted()}
	}
	return Result{Manifest: entities.NewPluginManifest(entities.ManifestSpec{
		Identity:     identity,
		Capabilities: caps,
		Resources:    resources,
		EntryPoints:  doc.EntryPoints,
		Runtime:      entities.Runtime(doc.Runtime),
		Main:         doc.Main,
		Description:  doc.Description,
	})}
}

func (v *Validator) checkSchema(js []byte, c *collector) {
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		c.add("$", CodeParse, err.Error())
		return
	}
	err := v.schema.Validate(instance)
	if err == nil {
		return
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		c.add("$", CodeSchema, err.Error())
		return
	}
	walkLeaves(verr, func(e *jsonschema.ValidationError) {
		field := pointerToField(e.InstanceLocation)
		if props, ok := strings.CutPrefix(e.Message, "missing properties: "); ok {
			for _, p := range strings.Split(props, ",") {
				c.add(joinField(field, strings.Trim(strings.TrimSpace(p), `'"`)), CodeSchema, "is required")
			}
			return
		}
		if props, ok := strings.CutPrefix(e.Message, "additionalProperties "); ok {
			c.add(field, CodeSchema, "unknown properties "+strings.TrimSuffix(props, " not allowed"))
			return
		}
		c.add(field, CodeSchema, e.Message)
	})
}

func walkLeaves(e *jsonschema.ValidationError, fn func(*jsonschema.ValidationError)) {
	if len(e.Causes) == 0 {
		fn(e)
		return
	}
	for _, cause := range e.Causes {
		walkLeaves(cause, fn)
	}
}

// pointerToField turns "/resources/maxMemoryMB" into "resources.maxMemoryMB"
// and "/capabilities/2" into "capabilities[2]".
func pointerToField(ptr string) string {
	if ptr == "" || ptr == "/" {
		return "$"
	}
	var b strings.Builder
	for _, seg := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		seg = strings.NewReplacer("~1", "/", "~0", "~").Replace(seg)
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func joinField(parent, child string) string {
	if parent == "$" {
		return child
	}
	return parent + "." + child
}

func (v *Validator) checkIdentity(doc *parser.ManifestDocument, c *collector) values.PluginIdentity {
	var (
		id  values.PluginID
		ver values.Version
		err error
	)
	if !c.reported("id") {
		if id, err = values.NewPluginID(doc.ID); err != nil {
			c.add("id", CodeInvalidIdentity, err.Error())
		}
	}
	if !c.reported("version") {
		if ver, err = values.NewVersion(doc.Version); err != nil {
			c.add("version", CodeInvalidVersion, err.Error())
		}
	}
	if c.reported("id") || c.reported("version") || c.reported("publisher") {
		return values.PluginIdentity{}
	}
	identity, err := values.NewPluginIdentity(id, ver, doc.Publisher)
	if err != nil {
		c.add("publisher", CodeInvalidIdentity, err.Error())
	}
	return identity
}

func (v *Validator) checkCapabilities(decls []string, c *collector) []capability.Capability {
	out := make([]capability.Capability, 0, len(decls))
	seen := make(map[string]int, len(decls))
	for i, decl := range decls {
		field := fmt.Sprintf("capabilities[%d]", i)
		if c.reported(field) {
			continue
		}
		capab, err := capability.Parse(decl)
		if err != nil {
			code := CodeInvalidCapability
			if errors.Is(err, capability.ErrInvalidScope) {
				code = CodeInvalidScope
			}
			c.add(field, code, err.Error())
			continue
		}
		if prev, dup := seen[capab.String()]; dup {
			c.add(field, CodeDuplicate, fmt.Sprintf("same capability as capabilities[%d]", prev))
			continue
		}
		seen[capab.String()] = i

		problems := v.catalog.Check(capab)
		for _, p := range problems {
			code := CodeInvalidScope
			if errors.Is(p, capability.ErrUnknownCapability) {
				code = CodeUnknownCapability
			}
			c.add(field, code, p.Error())
		}
		if len(problems) == 0 {
			out = append(out, capab)
		}
	}
	return out
}

func (v *Validator) checkResources(doc *parser.ResourceDocument, c *collector) entities.ResourceRequest {
	r := v.defaults
	if doc == nil || c.reported("resources") {
		return r
	}
	if doc.MaxMemoryMB > 0 {
		// Compare in MiB so huge requests cannot wrap past the ceiling.
		if int64(doc.MaxMemoryMB) > v.ceilings.MaxMemoryBytes/mib {
			c.add("resources.maxMemoryMB", CodeExceedsCeiling,
				fmt.Sprintf("%d MiB exceeds the platform ceiling of %d MiB", doc.MaxMemoryMB, v.ceilings.MaxMemoryBytes/mib))
		} else {
			r.MaxMemoryBytes = int64(doc.MaxMemoryMB) * mib
		}
	}
	if doc.MaxCPUSeconds > 0 {
		secs := doc.MaxCPUSeconds
		if math.IsInf(secs, 0) || secs > v.ceilings.MaxCPUPerInvoke.Seconds() {
			c.add("resources.maxCpuSeconds", CodeExceedsCeiling,
				fmt.Sprintf("%gs exceeds the platform ceiling of %gs", secs, v.ceilings.MaxCPUPerInvoke.Seconds()))
		} else if d := time.Duration(secs * float64(time.Second)); d <= 0 {
			// A zero duration would mean no limit at all.
			c.add("resources.maxCpuSeconds", CodeInvalidResource,
				fmt.Sprintf("%gs is below the %v resolution of the cpu limit", secs, time.Nanosecond))
		} else {
			r.MaxCPUPerInvoke = d
		}
	}
	if doc.MaxCallsPerSecond > 0 {
		if doc.MaxCallsPerSecond > v.ceilings.MaxCallsPerSecond {
			c.add("resources.maxCallsPerSecond", CodeExceedsCeiling,
				fmt.Sprintf("%d exceeds the platform ceiling of %d", doc.MaxCallsPerSecond, v.ceilings.MaxCallsPerSecond))
		}
		r.MaxCallsPerSecond = doc.MaxCallsPerSecond
	}
	return r
}

func (v *Validator) checkEntryPoints(eps []string, c *collector) {
	seen := make(map[string]bool, len(eps))
	for i, ep := range eps {
		field := fmt.Sprintf("entryPoints[%d]", i)
		if c.reported(field) {
			continue
		}
		switch {
		case !entryPointPattern.MatchString(ep):
			c.add(field, CodeInvalidEntryPoint, fmt.Sprintf("%q is not a valid entry point name", ep))
		case seen[ep]:
			c.add(field, CodeDuplicate, fmt.Sprintf("entry point %q declared twice", ep))
		}
		seen[ep] = true
	}
}

type collector struct {
	violations []Violation
	seen       map[Violation]bool
}

func (c *collector) add(field, code, msg string) {
	v := Violation{Field: field, Code: code, Message: msg}
	if c.seen == nil {
		c.seen = make(map[Violation]bool)
	}
	if c.seen[v] {
		return
	}
	c.seen[v] = true
	c.violations = append(c.violations, v)
}

// reported reports whether a violation exists for field or a field nested
// under it.
func (c *collector) reported(field string) bool {
	for _, v := range c.violations {
		if v.Field == field || strings.HasPrefix(v.Field, field+".") || strings.HasPrefix(v.Field, field+"[") {
			return true
		}
	}
	return false
}

func (c *collector) sorted() []Violation {
	out := slices.Clone(c.violations)
	slices.SortStableFunc(out, func(a, b Violation) int {
		if x := strings.Compare(a.Field, b.Field); x != 0 {
			return x
		}
		return strings.Compare(a.Code, b.Code)
	})
	return out
}
