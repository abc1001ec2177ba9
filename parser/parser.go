package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"
)

// ErrEmptyManifest is returned for blank input.
var ErrEmptyManifest = errors.New("manifest is empty")

// ManifestParser parses raw manifest bytes.
type ManifestParser interface {
	// Parse unmarshals manifest bytes into a document.
	Parse(data []byte) (*ManifestDocument, error)
}

// ToJSON normalizes a YAML or JSON manifest to JSON. JSON input is
// detected by its leading brace and returned compacted.
func ToJSON(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrEmptyManifest
	}
	if trimmed[0] == '{' {
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return nil, fmt.Errorf("invalid JSON manifest: %w", err)
		}
		return buf.Bytes(), nil
	}
	out, err := yaml.YAMLToJSON(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid YAML manifest: %w", err)
	}
	if t := bytes.TrimSpace(out); len(t) == 0 || t[0] != '{' {
		return nil, errors.New("manifest must be a mapping")
	}
	return out, nil
}

// Parser implements ManifestParser for YAML and JSON input.
type Parser struct{}

// New creates a Parser.
func New() *Parser { return &Parser{} }

// Parse decodes data, rejecting unknown fields.
func (p *Parser) Parse(data []byte) (*ManifestDocument, error) {
	js, err := ToJSON(data)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()
	var doc ManifestDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &doc, nil
}
