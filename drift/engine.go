// Package drift compares observed instance configuration against resolved
// expectations and classifies every deviation. A scan never aborts on a
// single malformed file; failures are recorded as drift items and the walk
// continues.
package drift

import (
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/minefleet/minefleet/pkg/confcodec"
	"github.com/minefleet/minefleet/resolver"
	"github.com/minefleet/minefleet/rulestore"
)

// Observed is the configuration state of one instance as read by its
// agent: parsed documents per file, plus per-file read or parse failures.
type Observed struct {
	Files    map[types.FileRef]*confcodec.Document
	Failures map[types.FileRef]error
}

// Engine scans instances against one rule-store snapshot. The snapshot is
// held for the whole scan, so every instance is judged against the same
// policy state.
type Engine struct {
	snap *rulestore.Snapshot
	now  func() time.Time
}

// New builds an engine over a snapshot.
func New(snap *rulestore.Snapshot) *Engine {
	return &Engine{snap: snap, now: time.Now}
}

// ExpectedFiles returns the files an instance is expected to carry: the
// union of all applicable rule targets and the baseline-declared files of
// every catalog plugin matching the instance platform.
func (e *Engine) ExpectedFiles(inst *types.Instance) []types.FileRef {
	set := mapset.NewThreadUnsafeSet[types.FileRef]()
	var order []types.FileRef
	add := func(f types.FileRef) {
		if set.Add(f) {
			order = append(order, f)
		}
	}
	for _, r := range e.snap.Rules() {
		if r.Target.ConfigType == types.ConfigDatapack {
			continue
		}
		if !e.ruleApplies(inst, r) {
			continue
		}
		add(r.Target.FileRef())
	}
	for _, p := range e.snap.Plugins() {
		if p.Platform != inst.Platform || p.Quarantined {
			continue
		}
		for _, f := range e.snap.BaselineFiles(p.Name) {
			add(f)
		}
	}
	return order
}

func (e *Engine) ruleApplies(inst *types.Instance, r *types.Rule) bool {
	if r.Target.ConfigType == types.ConfigPlugin && r.Target.Plugin != "" {
		if p, ok := e.snap.Plugin(r.Target.Plugin); ok {
			if p.Quarantined || p.Platform != inst.Platform {
				return false
			}
		}
	}
	res, err := resolver.Resolve(e.snap, resolver.Query{Instance: inst.ID, Target: r.Target})
	if err != nil {
		// The key is still expected; the resolution error surfaces when
		// the key is scanned.
		return true
	}
	return res != nil
}

// ScanInstance produces the drift items for one instance.
func (e *Engine) ScanInstance(scanID string, instanceID string, obs Observed) []types.DriftItem {
	inst, ok := e.snap.Instance(instanceID)
	if !ok {
		// Instance disappeared between discovery and scan; no items.
		return nil
	}
	var items []types.DriftItem
	for _, f := range e.ExpectedFiles(inst) {
		items = append(items, e.scanFile(scanID, inst, f, obs)...)
	}
	items = append(items, e.scanDatapacks(scanID, inst, obs)...)
	return items
}

func (e *Engine) scanFile(scanID string, inst *types.Instance, f types.FileRef, obs Observed) []types.DriftItem {
	base := types.DriftItem{
		ScanID:     scanID,
		Instance:   inst.ID,
		Plugin:     f.Plugin,
		File:       f.Path,
		ConfigType: types.ConfigStandard,
		DetectedAt: e.now(),
	}
	if f.Plugin != "" {
		base.ConfigType = types.ConfigPlugin
	}

	doc, have := obs.Files[f]
	if !have {
		if ferr, failed := obs.Failures[f]; failed && !errdefs.IsNotFound(ferr) {
			// Read succeeded but the bytes did not parse.
			it := base
			it.Classification = types.DriftUnexpected
			it.Severity = types.SeverityWarning
			it.Reason = ferr.Error()
			it.Expected = strPtr("")
			return []types.DriftItem{it}
		}
		it := base
		it.Classification = types.DriftMissing
		it.Severity = types.SeverityWarning
		it.Expected = strPtr("")
		return []types.DriftItem{it}
	}

	expectedKeys := e.expectedKeys(inst, f)
	var items []types.DriftItem
	for _, key := range expectedKeys {
		items = append(items, e.scanKey(base, inst, f, key, doc))
	}

	// Observed leaves with no expectation at all are extras.
	known := mapset.NewThreadUnsafeSet[string]()
	for _, k := range expectedKeys {
		known.Add(k)
	}
	walkLeaves(doc.Root(), "", func(path string, n *confcodec.Node) {
		if known.Contains(path) {
			return
		}
		it := base
		it.Key = path
		it.Classification = types.DriftExtra
		it.Severity = types.SeverityInfo
		it.Actual = strPtr(n.Value)
		items = append(items, it)
	})
	return items
}

// expectedKeys lists the keys the instance is expected to hold in the
// file: applicable rule targets plus baseline declarations.
func (e *Engine) expectedKeys(inst *types.Instance, f types.FileRef) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	var order []string
	add := func(k string) {
		if set.Add(k) {
			order = append(order, k)
		}
	}
	for _, r := range e.snap.RulesForFile(f) {
		if r.Target.ConfigType == types.ConfigDatapack {
			continue
		}
		if e.ruleAppliesToInstance(inst, r) {
			add(r.Target.Key)
		}
	}
	for _, b := range e.snap.BaselineKeysForFile(f) {
		add(b.Key)
	}
	return order
}

func (e *Engine) ruleAppliesToInstance(inst *types.Instance, r *types.Rule) bool {
	for _, c := range resolver.Candidates(e.snap, inst, r.Target) {
		if c.ID == r.ID {
			return true
		}
	}
	return false
}

func (e *Engine) scanKey(base types.DriftItem, inst *types.Instance, f types.FileRef, key string, doc *confcodec.Document) types.DriftItem {
	it := base
	it.Key = key

	target := types.Target{ConfigType: base.ConfigType, Plugin: f.Plugin, File: f.Path, Key: key}
	res, err := resolver.Resolve(e.snap, resolver.Query{Instance: inst.ID, Target: target})
	if err != nil {
		it.Classification = types.DriftUnexpected
		it.Severity = types.SeverityWarning
		it.Reason = err.Error()
		it.Expected = strPtr("")
		return it
	}

	var (
		expected types.Value
		rule     *types.Rule
	)
	switch {
	case res != nil:
		expected, rule = res.Value, res.Rule
	default:
		// No rule; fall back to the baseline declaration.
		bl, ok := e.baselineFor(f, key)
		if !ok {
			it.Classification = types.DriftNone
			it.Severity = types.SeverityInfo
			it.Expected = strPtr("")
			return it
		}
		v, cerr := types.CoerceValue(bl.Value, bl.ValueType)
		if cerr != nil {
			it.Classification = types.DriftUnexpected
			it.Severity = types.SeverityWarning
			it.Reason = cerr.Error()
			it.Expected = strPtr(bl.Value)
			return it
		}
		expected = v
	}
	it.Expected = strPtr(expected.String())

	node, derr := confcodec.Descend(doc.Root(), key)
	switch {
	case derr == nil:
		it.Actual = strPtr(nodeString(node))
		if equalNode(node, expected) {
			it.Classification = types.DriftNone
			it.Severity = types.SeverityInfo
			if rule != nil && e.documentedVariance(inst, target, rule) {
				it.Classification = types.DriftDocumented
			}
			return it
		}
		it.Classification = types.DriftUnexpected
		it.Severity = types.SeverityWarning
		if rule != nil && rule.SecuritySensitive {
			it.Severity = types.SeverityError
		}
		return it
	case confcodec.IsShapeMismatch(derr):
		it.Classification = types.DriftUnexpected
		it.Severity = types.SeverityWarning
		it.Reason = "shape_mismatch"
		return it
	default: // key absent
		it.Classification = types.DriftMissing
		it.Severity = types.SeverityWarning
		if rule != nil && rule.SecuritySensitive {
			it.Severity = types.SeverityError
		}
		return it
	}
}

// documentedVariance reports whether the winning rule narrows a broader
// rule to a different value: the instance deliberately deviates from the
// fleet-wide expectation, and the deviation is documented by policy. Only
// INSTANCE, GROUP, and TAG rules express such a deliberate carve-out;
// SERVER and GLOBAL winners are the broad expectation itself.
func (e *Engine) documentedVariance(inst *types.Instance, target types.Target, winner *types.Rule) bool {
	switch winner.Scope {
	case types.ScopeInstance, types.ScopeGroup, types.ScopeTag:
	default:
		return false
	}
	for _, c := range resolver.Candidates(e.snap, inst, target) {
		if c.ID == winner.ID {
			continue
		}
		if c.Scope.Priority() > winner.Scope.Priority() && c.Value != winner.Value {
			return true
		}
	}
	return false
}

func (e *Engine) baselineFor(f types.FileRef, key string) (types.BaselineKey, bool) {
	for _, b := range e.snap.BaselineKeysForFile(f) {
		if b.Key == key {
			return b, true
		}
	}
	return types.BaselineKey{}, false
}

// scanDatapacks checks datapack requirement rules. A missing required
// datapack is an error; a missing optional one is informational.
func (e *Engine) scanDatapacks(scanID string, inst *types.Instance, obs Observed) []types.DriftItem {
	var items []types.DriftItem
	for _, r := range e.snap.Rules() {
		if r.Target.ConfigType != types.ConfigDatapack {
			continue
		}
		if !e.ruleAppliesToInstance(inst, r) {
			continue
		}
		it := types.DriftItem{
			ScanID:     scanID,
			Instance:   inst.ID,
			ConfigType: types.ConfigDatapack,
			File:       r.Target.File,
			DetectedAt: e.now(),
			Expected:   strPtr(r.Value),
		}
		if _, ok := obs.Files[r.Target.FileRef()]; ok {
			it.Classification = types.DriftNone
			it.Severity = types.SeverityInfo
		} else {
			it.Classification = types.DriftMissing
			if r.ValueType == types.TypeRequired {
				it.Severity = types.SeverityError
			} else {
				it.Severity = types.SeverityInfo
			}
		}
		items = append(items, it)
	}
	return items
}

// walkLeaves streams every scalar leaf of the tree with its dotted path.
func walkLeaves(n *confcodec.Node, prefix string, fn func(path string, n *confcodec.Node)) {
	if n == nil {
		return
	}
	switch n.Kind {
	case confcodec.KindMap:
		for _, e := range n.Entries {
			p := e.Key
			if prefix != "" {
				p = prefix + "." + e.Key
			}
			walkLeaves(e.Node, p, fn)
		}
	case confcodec.KindScalar:
		if prefix != "" {
			fn(prefix, n)
		}
	}
	// List nodes are compared as whole values; their elements are not
	// individually addressable keys.
}

func nodeString(n *confcodec.Node) string {
	switch n.Kind {
	case confcodec.KindMap:
		parts := make([]string, 0, len(n.Entries))
		for _, e := range n.Entries {
			parts = append(parts, e.Key+": "+nodeString(e.Node))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case confcodec.KindList:
		parts := make([]string, 0, len(n.Items))
		for _, it := range n.Items {
			parts = append(parts, nodeString(it))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return n.Value
	}
}

func strPtr(s string) *string { return &s }
