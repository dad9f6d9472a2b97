// Package resolver evaluates the effective expected value for an
// (instance, target) query against a rule-store snapshot. Resolution is a
// pure function of the query and the snapshot: identical inputs yield an
// identical value or an identical error.
package resolver

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/minefleet/minefleet/rulestore"
	"github.com/pkg/errors"
)

// ErrorKind distinguishes resolution failures.
type ErrorKind string

const (
	// UndefinedVariable means a {{NAME}} reference had no binding at any
	// scope.
	UndefinedVariable ErrorKind = "undefined_variable"
	// TypeMismatch means the substituted literal did not parse into the
	// rule's declared type.
	TypeMismatch ErrorKind = "type_mismatch"
	// AmbiguousRule means two rules tied at the same priority and the tie
	// could not be broken.
	AmbiguousRule ErrorKind = "ambiguous_rule"
)

// Error is a resolution failure. It aborts the single resolve; during
// deployment planning it aborts the deployment.
type Error struct {
	Kind     ErrorKind
	Variable string
	Detail   string
}

func (e *Error) Error() string {
	switch e.Kind {
	case UndefinedVariable:
		return fmt.Sprintf("resolution failed: undefined variable %q", e.Variable)
	case AmbiguousRule:
		return "resolution failed: ambiguous rules: " + e.Detail
	default:
		return "resolution failed: " + e.Detail
	}
}

// InvalidParameter marks the error class for the HTTP edge.
func (e *Error) InvalidParameter() {}

// Query identifies the config leaf to resolve for an instance.
type Query struct {
	Instance string
	Target   types.Target
}

// Resolution is a successful resolve: the coerced value and the winning
// rule.
type Resolution struct {
	Value types.Value
	Rule  *types.Rule
}

// Resolve returns the effective value for the query, or (nil, nil) when no
// rule applies. Rules targeting a plugin of a platform foreign to the
// instance are inert and also yield (nil, nil).
func Resolve(snap *rulestore.Snapshot, q Query) (*Resolution, error) {
	inst, ok := snap.Instance(q.Instance)
	if !ok {
		return nil, errdefs.NotFound(errors.Errorf("unknown instance %q", q.Instance))
	}
	if q.Target.ConfigType == types.ConfigPlugin && q.Target.Plugin != "" {
		if p, ok := snap.Plugin(q.Target.Plugin); ok {
			if p.Quarantined || p.Platform != inst.Platform {
				return nil, nil
			}
		}
	}

	chosen, err := pick(snap, inst, q.Target)
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		return nil, nil
	}

	val, err := materialize(snap, inst, chosen)
	if err != nil {
		return nil, err
	}
	return &Resolution{Value: val, Rule: chosen}, nil
}

// Candidates returns every applicable rule for the target, strongest
// first. The drift engine uses it to detect documented variances.
func Candidates(snap *rulestore.Snapshot, inst *types.Instance, target types.Target) []*types.Rule {
	var rules []*types.Rule
	seen := map[int64]bool{}
	collect := func(t types.Target) {
		for _, r := range snap.RulesForTarget(t) {
			if !seen[r.ID] && applies(snap, inst, r) {
				seen[r.ID] = true
				rules = append(rules, r)
			}
		}
	}
	collect(target)
	// Addon config files fold into the parent plugin; match rules authored
	// against either name.
	if target.Plugin != "" {
		if canon := snap.CanonicalPlugin(target.Plugin); canon != target.Plugin {
			folded := target
			folded.Plugin = canon
			collect(folded)
		}
	}
	sortRules(rules)
	return rules
}

func pick(snap *rulestore.Snapshot, inst *types.Instance, target types.Target) (*types.Rule, error) {
	rules := Candidates(snap, inst, target)
	if len(rules) == 0 {
		return nil, nil
	}
	best := rules[0]
	if len(rules) > 1 {
		next := rules[1]
		// Specificity is selector length; two equally long selectors with
		// the same timestamp leave nothing to break the tie with.
		if next.Scope.Priority() == best.Scope.Priority() &&
			len(next.Selector) == len(best.Selector) &&
			next.UpdatedAt.Equal(best.UpdatedAt) {
			return nil, &Error{
				Kind:   AmbiguousRule,
				Detail: fmt.Sprintf("rules %d and %d tie at scope %s for %s/%s", best.ID, next.ID, best.Scope, target.File, target.Key),
			}
		}
	}
	return best, nil
}

func applies(snap *rulestore.Snapshot, inst *types.Instance, r *types.Rule) bool {
	switch r.Scope {
	case types.ScopeInstance:
		return r.Selector == inst.ID
	case types.ScopeGroup:
		for _, g := range snap.GroupsOf(inst.ID) {
			if g == r.Selector {
				return true
			}
		}
	case types.ScopeTag:
		for _, t := range snap.TagsOf(inst.ID) {
			if t == r.Selector {
				return true
			}
		}
	case types.ScopeServer:
		return r.Selector == inst.Host
	case types.ScopeGlobal:
		return true
	}
	return false
}

// sortRules orders by priority, then most-specific (longest) selector,
// then newest updated_at, then id for determinism.
func sortRules(rules []*types.Rule) {
	sort.Slice(rules, func(i, j int) bool { return ruleLess(rules[i], rules[j]) })
}

func ruleLess(a, b *types.Rule) bool {
	if pa, pb := a.Scope.Priority(), b.Scope.Priority(); pa != pb {
		return pa < pb
	}
	if la, lb := len(a.Selector), len(b.Selector); la != lb {
		return la > lb
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}

var variableRx = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// materialize substitutes variables into the rule value and coerces it to
// the declared type. Scalar types substitute the whole literal textually;
// list and map values are parsed first and substituted element-wise.
func materialize(snap *rulestore.Snapshot, inst *types.Instance, r *types.Rule) (types.Value, error) {
	switch r.ValueType {
	case types.TypeList, types.TypeMap:
		val, err := types.CoerceValue(r.Value, r.ValueType)
		if err != nil {
			return types.Value{}, &Error{Kind: TypeMismatch, Detail: err.Error()}
		}
		return substituteValue(snap, inst, val)
	default:
		lit, err := substituteString(snap, inst, r.Value)
		if err != nil {
			return types.Value{}, err
		}
		val, cerr := types.CoerceValue(lit, r.ValueType)
		if cerr != nil {
			return types.Value{}, &Error{Kind: TypeMismatch, Detail: cerr.Error()}
		}
		return val, nil
	}
}

func substituteValue(snap *rulestore.Snapshot, inst *types.Instance, v types.Value) (types.Value, error) {
	switch v.Type {
	case types.TypeString:
		s, err := substituteString(snap, inst, v.Str)
		if err != nil {
			return types.Value{}, err
		}
		v.Str = s
		return v, nil
	case types.TypeList:
		for i, e := range v.List {
			sub, err := substituteValue(snap, inst, e)
			if err != nil {
				return types.Value{}, err
			}
			v.List[i] = sub
		}
		return v, nil
	case types.TypeMap:
		for k, e := range v.Map {
			sub, err := substituteValue(snap, inst, e)
			if err != nil {
				return types.Value{}, err
			}
			v.Map[k] = sub
		}
		return v, nil
	default:
		return v, nil
	}
}

func substituteString(snap *rulestore.Snapshot, inst *types.Instance, s string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	var missing string
	out := variableRx.ReplaceAllStringFunc(s, func(m string) string {
		name := variableRx.FindStringSubmatch(m)[1]
		if v, ok := snap.Variable(types.ScopeInstance, inst.ID, name); ok {
			return v
		}
		if v, ok := snap.Variable(types.ScopeServer, inst.Host, name); ok {
			return v
		}
		if v, ok := snap.Variable(types.ScopeGlobal, "", name); ok {
			return v
		}
		if missing == "" {
			missing = name
		}
		return m
	})
	if missing != "" {
		return "", &Error{Kind: UndefinedVariable, Variable: missing}
	}
	return out, nil
}
