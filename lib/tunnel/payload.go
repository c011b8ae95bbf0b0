package tunnel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
)

// Wire keys of the start intent.
const (
	KeyIPv4Address    = "IPV4_ADDR"
	KeyRoutes         = "ROUTES"
	KeyDNS            = "DNS"
	KeyDisallowedApps = "DISALLOWED_APPLICATIONS"
	KeyMTU            = "MTU"
)

// Payload is the start intent as delivered by the host shell.
// Every field is optional; absent fields take defaults in Validate.
type Payload struct {
	IPv4Address    *string    `json:"IPV4_ADDR,omitempty" yaml:"IPV4_ADDR,omitempty"`
	Routes         []string   `json:"ROUTES,omitempty" yaml:"ROUTES,omitempty"`
	DNS            StringList `json:"DNS,omitempty" yaml:"DNS,omitempty"`
	DisallowedApps []string   `json:"DISALLOWED_APPLICATIONS,omitempty" yaml:"DISALLOWED_APPLICATIONS,omitempty"`
	MTU            *int       `json:"MTU,omitempty" yaml:"MTU,omitempty"`
}

// StringList decodes from either a single string or a list of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = splitList(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = splitList(s)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list", node.Line)
	}
}

// splitList accepts "1.1.1.1" as well as "1.1.1.1, 9.9.9.9".
func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

// ParsePayload decodes a JSON start intent. An empty document is an
// empty payload.
func ParsePayload(data []byte) (Payload, error) {
	var p Payload
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: decode payload: %w", apperrors.ErrInvalidInput, err)
	}
	return p, nil
}

// LoadPayload reads a start intent from a file. Files ending in .json
// are decoded as JSON, anything else as YAML.
func LoadPayload(path string) (Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, fmt.Errorf("reading payload file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParsePayload(data)
	}

	var p Payload
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: decode payload %s: %w", apperrors.ErrInvalidInput, path, err)
	}
	return p, nil
}

// WithDefaults returns a copy of p where every absent field is taken
// from defaults.
func (p Payload) WithDefaults(defaults Payload) Payload {
	out := p
	if out.IPv4Address == nil {
		out.IPv4Address = defaults.IPv4Address
	}
	if out.Routes == nil {
		out.Routes = defaults.Routes
	}
	if out.DNS == nil {
		out.DNS = defaults.DNS
	}
	if out.DisallowedApps == nil {
		out.DisallowedApps = defaults.DisallowedApps
	}
	if out.MTU == nil {
		out.MTU = defaults.MTU
	}
	return out
}

// String returns a pointer to s, for building payloads in code.
func String(s string) *string { return &s }

// Int returns a pointer to n, for building payloads in code.
func Int(n int) *int { return &n }
