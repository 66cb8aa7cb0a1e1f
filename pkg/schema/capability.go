package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CapabilityBinding declares what a task state needs: an explicit manifest
// reference ("name@semver") or a free-form query resolved by similarity
// search against the capability repository. Exactly one field is set.
type CapabilityBinding struct {
	Ref   string `json:"ref,omitempty"`
	Query string `json:"query,omitempty"`
}

// CapabilityDescriptor is a versioned bundle of directives and tool specs an
// executor loads for the duration of one state and unloads afterwards.
type CapabilityDescriptor struct {
	ManifestID          string                  `json:"manifest_id"` // name@semver
	Directives          string                  `json:"directives"`
	RequiredTools       []ToolSpec              `json:"required_tools"`
	RequiredDataSources []string                `json:"required_data_sources,omitempty"`
	Permissions         Permissions             `json:"permissions"`
	Providers           map[string]ProviderSpec `json:"providers,omitempty"`
}

// ToolSpec declares one tool the descriptor brings along.
type ToolSpec struct {
	Name    string          `json:"name"`
	Schema  json.RawMessage `json:"schema,omitempty"` // JSON Schema for the tool input
	Binding ToolBindingKind `json:"binding"`
	// Target selects the implementation: a builtin action name for builtin
	// bindings, or a provider key for mcp bindings.
	Target string `json:"target,omitempty"`
}

// ToolBindingKind selects how a tool spec is bound to an implementation.
type ToolBindingKind string

const (
	ToolBindingBuiltin ToolBindingKind = "builtin"
	ToolBindingMCP     ToolBindingKind = "mcp"
)

// ProviderSpec describes an MCP subprocess that serves tools for a descriptor.
type ProviderSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Permissions is the descriptor's requested permission scope.
type Permissions struct {
	Egress     EgressClass `json:"egress"`
	SecretRefs []string    `json:"secret_refs,omitempty"`
}

// EgressClass classifies the network reach a capability may use.
type EgressClass string

const (
	EgressNone     EgressClass = "none"
	EgressIntranet EgressClass = "intranet"
	EgressInternet EgressClass = "internet"
)

var egressRank = map[EgressClass]int{
	EgressNone:     0,
	EgressIntranet: 1,
	EgressInternet: 2,
}

// Valid reports whether the class is one of the known egress classes.
func (e EgressClass) Valid() bool {
	_, ok := egressRank[e]
	return ok
}

// Allows reports whether a scope limited to e permits the requested class.
func (e EgressClass) Allows(requested EgressClass) bool {
	return egressRank[requested] <= egressRank[e]
}

// ParseManifestID splits "name@semver" into its parts.
func ParseManifestID(id string) (name, version string, err error) {
	at := strings.LastIndex(id, "@")
	if at <= 0 || at == len(id)-1 {
		return "", "", NewErrorf(ErrCodeValidation, "manifest id %q is not name@semver", id)
	}
	return id[:at], id[at+1:], nil
}

// Name returns the name half of the manifest id, or "" when malformed.
func (d *CapabilityDescriptor) Name() string {
	name, _, err := ParseManifestID(d.ManifestID)
	if err != nil {
		return ""
	}
	return name
}

// Version returns the semver half of the manifest id, or "" when malformed.
func (d *CapabilityDescriptor) Version() string {
	_, version, err := ParseManifestID(d.ManifestID)
	if err != nil {
		return ""
	}
	return version
}

// Validate checks the descriptor's internal invariants.
func (d *CapabilityDescriptor) Validate() error {
	if _, _, err := ParseManifestID(d.ManifestID); err != nil {
		return err
	}
	if len(d.RequiredTools) == 0 {
		return NewErrorf(ErrCodeValidation, "descriptor %s declares no tools", d.ManifestID)
	}
	if !d.Permissions.Egress.Valid() {
		return NewErrorf(ErrCodeValidation, "descriptor %s: unknown egress class %q", d.ManifestID, d.Permissions.Egress)
	}
	seen := make(map[string]bool, len(d.RequiredTools))
	for i, tool := range d.RequiredTools {
		if tool.Name == "" {
			return NewErrorf(ErrCodeValidation, "descriptor %s: tool %d has no name", d.ManifestID, i)
		}
		if seen[tool.Name] {
			return NewErrorf(ErrCodeValidation, "descriptor %s: duplicate tool name %q", d.ManifestID, tool.Name)
		}
		seen[tool.Name] = true
		switch tool.Binding {
		case ToolBindingBuiltin:
		case ToolBindingMCP:
			key := tool.Target
			if key == "" {
				return NewErrorf(ErrCodeValidation, "descriptor %s: mcp tool %q has no provider target", d.ManifestID, tool.Name)
			}
			if _, ok := d.Providers[key]; !ok {
				return NewErrorf(ErrCodeValidation, "descriptor %s: mcp tool %q references unknown provider %q", d.ManifestID, tool.Name, key)
			}
		default:
			return NewErrorf(ErrCodeValidation, "descriptor %s: tool %q has unknown binding %q", d.ManifestID, tool.Name, tool.Binding)
		}
	}
	return nil
}

func (d *CapabilityDescriptor) String() string {
	return fmt.Sprintf("%s (%d tools, egress=%s)", d.ManifestID, len(d.RequiredTools), d.Permissions.Egress)
}
