package types

import "time"

// Scope is the specificity layer of a rule. A lower priority number wins.
// The player-override and region layers live outside the core engine; their
// priority slots are reserved so the ordering stays stable if they are ever
// folded in.
type Scope string

const (
	ScopeInstance Scope = "INSTANCE"
	ScopeGroup    Scope = "GROUP"
	ScopeTag      Scope = "TAG"
	ScopeServer   Scope = "SERVER"
	ScopeGlobal   Scope = "GLOBAL"
)

// Priority returns the strength of the scope; lower wins. Unknown scopes
// sort last.
func (s Scope) Priority() int {
	switch s {
	case ScopeInstance:
		return 1
	case ScopeGroup:
		return 2
	case ScopeTag:
		return 3
	case ScopeServer:
		return 4
	case ScopeGlobal:
		return 5
	}
	return 99
}

// Valid reports whether s is one of the core scopes.
func (s Scope) Valid() bool {
	return s.Priority() < 99
}

// ConfigType distinguishes what kind of configuration a rule targets.
type ConfigType string

const (
	ConfigPlugin   ConfigType = "plugin"
	ConfigStandard ConfigType = "standard"
	ConfigDatapack ConfigType = "datapack"
)

// ValueType is the declared type of a rule value or baseline key.
type ValueType string

const (
	TypeString   ValueType = "string"
	TypeInt      ValueType = "int"
	TypeFloat    ValueType = "float"
	TypeBool     ValueType = "bool"
	TypeList     ValueType = "list"
	TypeMap      ValueType = "map"
	TypeRequired ValueType = "required"
	TypeOptional ValueType = "optional"
)

// Target identifies the config leaf a rule governs: a dotted key inside a
// file owned by a plugin, a platform-level ("standard") file, or a datapack
// requirement.
type Target struct {
	ConfigType ConfigType `json:"config_type"`
	Plugin     string     `json:"plugin,omitempty"`
	File       string     `json:"file"`
	Key        string     `json:"key"`
}

// FileRef returns the file portion of the target.
func (t Target) FileRef() FileRef {
	return FileRef{Plugin: t.Plugin, Path: t.File}
}

// Rule is the central policy entity: a scoped declaration of an expected
// value for a config target.
type Rule struct {
	ID                int64     `json:"id"`
	Scope             Scope     `json:"scope"`
	Selector          string    `json:"selector,omitempty"`
	Target            Target    `json:"target"`
	Value             string    `json:"value"`
	ValueType         ValueType `json:"value_type"`
	SecuritySensitive bool      `json:"security_sensitive,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at,omitzero"`
	UpdatedAt         time.Time `json:"updated_at,omitzero"`
}

// RuleFilter narrows rule listings on the control API.
type RuleFilter struct {
	Scope      Scope  `json:"scope,omitempty"`
	Selector   string `json:"selector,omitempty"`
	Plugin     string `json:"plugin,omitempty"`
	File       string `json:"file,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
}

// ResolveRequest asks for the effective value of a target on an instance.
type ResolveRequest struct {
	Instance string `json:"instance"`
	Target   Target `json:"target"`
}

// ResolveResult is a successful resolution on the wire. Empty means no
// rule applied; the target is unmanaged for the instance.
type ResolveResult struct {
	Empty     bool      `json:"empty,omitempty"`
	Value     string    `json:"value,omitempty"`
	ValueType ValueType `json:"value_type,omitempty"`
	RuleID    int64     `json:"rule_id,omitempty"`
	Scope     Scope     `json:"scope,omitempty"`
	Selector  string    `json:"selector,omitempty"`
}

// Variable is a named indirection referenced from rule values as
// {{NAME}}, resolvable at global, server, or instance scope.
type Variable struct {
	Scope    Scope  `json:"scope"`
	Selector string `json:"selector,omitempty"`
	Name     string `json:"name"`
	Value    string `json:"value"`
}

// BaselineKey declares a key that every instance deploying the file is
// expected to carry, independent of any rule.
type BaselineKey struct {
	File      FileRef   `json:"file"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ValueType ValueType `json:"value_type"`
}
