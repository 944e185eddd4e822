package template

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Format is a template serialization format.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses a format name; the empty string means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown template format %q (must be json or yaml)", s)
	}
}

// Encode serializes t.
func Encode(t *Template, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		data, err := yaml.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal template: %w", err)
		}
		return data, nil
	default:
		data, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal template: %w", err)
		}
		return append(data, '\n'), nil
	}
}

// Decode parses a template document. JSON with comments and trailing
// commas is accepted, and so is YAML.
func Decode(data []byte, format Format) (*Template, error) {
	t := &Template{}
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, t); err != nil {
			return nil, fmt.Errorf("failed to parse template: %w", err)
		}
	default:
		doc := jsonc.ToJSON(data)
		dec := json.NewDecoder(bytes.NewReader(doc))
		dec.DisallowUnknownFields()
		err := dec.Decode(t)
		if err != nil && isUnknownField(err) && newerMinor(doc) {
			// Fields added by a later minor release are dropped.
			t = &Template{}
			err = json.Unmarshal(doc, t)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse template: %w", err)
		}
	}
	return t, nil
}

func isUnknownField(err error) bool {
	return strings.HasPrefix(err.Error(), "json: unknown field")
}

// newerMinor reports whether doc declares a version of a supported major
// that is newer than SchemaVersion.
func newerMinor(doc []byte) bool {
	var header struct {
		Metadata struct {
			Version string `json:"version"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(doc, &header); err != nil {
		return false
	}
	return isNewerCompatible(header.Metadata.Version)
}

// Fingerprint returns a content hash of t that ignores its storage ID.
func Fingerprint(t *Template) string {
	c := *t
	c.ID = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
