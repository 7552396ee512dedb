package types

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Pubspec is the parsed package manifest found at the archive root.
type Pubspec struct {
	Name            string                 `yaml:"name" json:"name"`
	Version         string                 `yaml:"version" json:"version"`
	Description     string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Homepage        string                 `yaml:"homepage,omitempty" json:"homepage,omitempty"`
	Repository      string                 `yaml:"repository,omitempty" json:"repository,omitempty"`
	Environment     map[string]string      `yaml:"environment,omitempty" json:"environment,omitempty"`
	Dependencies    map[string]interface{} `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	DevDependencies map[string]interface{} `yaml:"dev_dependencies,omitempty" json:"dev_dependencies,omitempty"`
	Executables     map[string]string      `yaml:"executables,omitempty" json:"executables,omitempty"`

	// Raw holds the full decoded document for storage and API responses.
	Raw JSONMap `yaml:"-" json:"-"`
}

// ParsePubspec decodes manifest YAML. Duplicate mapping keys are decode
// errors under yaml.v3, which gives the strictness the publish pipeline
// relies on.
func ParsePubspec(content []byte) (*Pubspec, error) {
	var ps Pubspec
	if err := yaml.Unmarshal(content, &ps); err != nil {
		return nil, fmt.Errorf("failed to parse pubspec: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pubspec: %w", err)
	}
	ps.Raw = normalizeYAML(raw).(map[string]interface{})

	if ps.Name == "" {
		return nil, fmt.Errorf("pubspec is missing the name field")
	}
	if ps.Version == "" {
		return nil, fmt.Errorf("pubspec is missing the version field")
	}

	return &ps, nil
}

// normalizeYAML converts decoded YAML values into JSON-marshalable ones.
// yaml.v3 may produce map[interface{}]interface{} for non-string keys.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}

// GitDependencies returns the names of dependencies declared as git
// dependencies. Publishing such a package is rejected.
func (p *Pubspec) GitDependencies() []string {
	var names []string
	for name, spec := range p.Dependencies {
		if m, ok := spec.(map[string]interface{}); ok {
			if _, isGit := m["git"]; isGit {
				names = append(names, name)
			}
		}
	}
	return names
}

// SDKConstraint parses the environment sdk constraint, if present.
// Returns nil without error when no constraint is declared.
func (p *Pubspec) SDKConstraint() (*semver.Constraints, error) {
	raw, ok := p.Environment["sdk"]
	if !ok || raw == "" {
		return nil, nil
	}

	c, err := semver.NewConstraint(normalizeConstraint(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid sdk constraint %q: %w", raw, err)
	}
	return c, nil
}

// normalizeConstraint rewrites space-separated range syntax
// (">=2.12.0 <3.0.0") into the comma-joined form the constraint
// parser expects. A bare operator token keeps its following version
// (">= 2.12.0" stays one constraint).
func normalizeConstraint(raw string) string {
	fields := strings.Fields(raw)
	var parts []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if isOperatorToken(f) && i+1 < len(fields) {
			f += fields[i+1]
			i++
		}
		parts = append(parts, f)
	}
	return strings.Join(parts, ", ")
}

func isOperatorToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch r {
		case '<', '>', '=', '^', '~', '!':
		default:
			return false
		}
	}
	return true
}
