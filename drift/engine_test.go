package drift

import (
	"testing"
	"time"

	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/pkg/confcodec"
	"github.com/minefleet/minefleet/rulestore"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

var scanTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, d rulestore.Data) *Engine {
	t.Helper()
	snap, err := rulestore.NewSnapshot(d)
	assert.NilError(t, err)
	e := New(snap)
	e.now = func() time.Time { return scanTime }
	return e
}

func parseYAML(t *testing.T, src string) *confcodec.Document {
	t.Helper()
	doc, err := confcodec.Parse([]byte(src), confcodec.FormatYAML, "config.yml", confcodec.DefaultOptions())
	assert.NilError(t, err)
	return doc
}

func eliteMobsRule(id int64, scope types.Scope, selector, key, value string, vt types.ValueType) types.Rule {
	return types.Rule{
		ID: id, Scope: scope, Selector: selector,
		Target: types.Target{
			ConfigType: types.ConfigPlugin, Plugin: "EliteMobs",
			File: "config.yml", Key: key,
		},
		Value: value, ValueType: vt,
		Active: true, UpdatedAt: scanTime.Add(-time.Hour),
	}
}

func paperFleet(rules ...types.Rule) rulestore.Data {
	return rulestore.Data{
		Instances: []types.Instance{
			{ID: "SMP101", Host: "hetzner", Platform: types.PlatformPaper, Active: true},
		},
		Plugins: []types.Plugin{{Name: "EliteMobs", Platform: types.PlatformPaper}},
		Rules:   rules,
	}
}

func findItem(t *testing.T, items []types.DriftItem, key string) types.DriftItem {
	t.Helper()
	for _, it := range items {
		if it.Key == key {
			return it
		}
	}
	t.Fatalf("no drift item for key %q in %d items", key, len(items))
	return types.DriftItem{}
}

func eliteMobsObserved(t *testing.T, src string) Observed {
	t.Helper()
	return Observed{
		Files: map[types.FileRef]*confcodec.Document{
			{Plugin: "EliteMobs", Path: "config.yml"}: parseYAML(t, src),
		},
	}
}

func TestCompliantKeyIsNone(t *testing.T) {
	e := newEngine(t, paperFleet(
		eliteMobsRule(1, types.ScopeGlobal, "", "language", "english", types.TypeString),
	))
	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "language: english\n"))
	it := findItem(t, items, "language")
	assert.Check(t, is.Equal(it.Classification, types.DriftNone))
	assert.Check(t, is.Equal(it.Severity, types.SeverityInfo))
	assert.Assert(t, it.Expected != nil)
	assert.Check(t, is.Equal(*it.Expected, "english"))
}

func TestNarrowingRuleMarksDocumentedVariance(t *testing.T) {
	e := newEngine(t, paperFleet(
		eliteMobsRule(1, types.ScopeGlobal, "", "language", "english", types.TypeString),
		eliteMobsRule(2, types.ScopeInstance, "SMP101", "language", "german", types.TypeString),
	))
	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "language: german\n"))
	it := findItem(t, items, "language")
	assert.Check(t, is.Equal(it.Classification, types.DriftDocumented))
	assert.Check(t, is.Equal(it.Severity, types.SeverityInfo))
}

func TestNarrowingRuleWithSameValueIsNone(t *testing.T) {
	e := newEngine(t, paperFleet(
		eliteMobsRule(1, types.ScopeGlobal, "", "language", "english", types.TypeString),
		eliteMobsRule(2, types.ScopeInstance, "SMP101", "language", "english", types.TypeString),
	))
	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "language: english\n"))
	it := findItem(t, items, "language")
	assert.Check(t, is.Equal(it.Classification, types.DriftNone))
}

func TestServerRuleNarrowingGlobalIsNone(t *testing.T) {
	e := newEngine(t, paperFleet(
		eliteMobsRule(1, types.ScopeGlobal, "", "language", "english", types.TypeString),
		eliteMobsRule(2, types.ScopeServer, "hetzner", "language", "german", types.TypeString),
	))
	// A SERVER rule is a broad expectation, not a per-instance carve-out.
	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "language: german\n"))
	it := findItem(t, items, "language")
	assert.Check(t, is.Equal(it.Classification, types.DriftNone))
}

func TestMismatchedValueIsUnexpectedDrift(t *testing.T) {
	e := newEngine(t, paperFleet(
		eliteMobsRule(1, types.ScopeGlobal, "", "language", "english", types.TypeString),
	))
	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "language: klingon\n"))
	it := findItem(t, items, "language")
	assert.Check(t, is.Equal(it.Classification, types.DriftUnexpected))
	assert.Check(t, is.Equal(it.Severity, types.SeverityWarning))
	assert.Assert(t, it.Actual != nil)
	assert.Check(t, is.Equal(*it.Actual, "klingon"))
}

func TestSecuritySensitiveDriftIsError(t *testing.T) {
	r := eliteMobsRule(1, types.ScopeGlobal, "", "rcon.enabled", "false", types.TypeBool)
	r.SecuritySensitive = true
	e := newEngine(t, paperFleet(r))
	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "rcon:\n  enabled: true\n"))
	it := findItem(t, items, "rcon.enabled")
	assert.Check(t, is.Equal(it.Classification, types.DriftUnexpected))
	assert.Check(t, is.Equal(it.Severity, types.SeverityError))
}

func TestMissingKeyAndMissingFile(t *testing.T) {
	e := newEngine(t, paperFleet(
		eliteMobsRule(1, types.ScopeGlobal, "", "language", "english", types.TypeString),
	))

	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "other: 1\n"))
	it := findItem(t, items, "language")
	assert.Check(t, is.Equal(it.Classification, types.DriftMissing))

	// No file at all: a single file-level MISSING item, no key items.
	items = e.ScanInstance("scan-1", "SMP101", Observed{})
	assert.Assert(t, is.Len(items, 1))
	assert.Check(t, is.Equal(items[0].Classification, types.DriftMissing))
	assert.Check(t, is.Equal(items[0].File, "config.yml"))
	assert.Check(t, is.Equal(items[0].Key, ""))
}

func TestParseFailureIsRecordedNotFatal(t *testing.T) {
	e := newEngine(t, paperFleet(
		eliteMobsRule(1, types.ScopeGlobal, "", "language", "english", types.TypeString),
	))
	obs := Observed{
		Failures: map[types.FileRef]error{
			{Plugin: "EliteMobs", Path: "config.yml"}: &confcodec.ParseError{
				Path: "config.yml", Line: 3, Reason: "mapping values are not allowed here",
			},
		},
	}
	items := e.ScanInstance("scan-1", "SMP101", obs)
	assert.Assert(t, is.Len(items, 1))
	assert.Check(t, is.Equal(items[0].Classification, types.DriftUnexpected))
	assert.Check(t, is.Contains(items[0].Reason, "line 3"))
}

func TestShapeMismatchContinuesScan(t *testing.T) {
	e := newEngine(t, paperFleet(
		eliteMobsRule(1, types.ScopeGlobal, "", "rcon.enabled", "false", types.TypeBool),
		eliteMobsRule(2, types.ScopeGlobal, "", "language", "english", types.TypeString),
	))
	// rcon is a scalar where a map is expected; language is still scanned.
	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "rcon: off\nlanguage: english\n"))

	mismatch := findItem(t, items, "rcon.enabled")
	assert.Check(t, is.Equal(mismatch.Classification, types.DriftUnexpected))
	assert.Check(t, is.Equal(mismatch.Reason, "shape_mismatch"))

	ok := findItem(t, items, "language")
	assert.Check(t, is.Equal(ok.Classification, types.DriftNone))
}

func TestUnexpectedObservedKeyIsExtra(t *testing.T) {
	e := newEngine(t, paperFleet(
		eliteMobsRule(1, types.ScopeGlobal, "", "language", "english", types.TypeString),
	))
	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "language: english\ndebug: true\n"))
	it := findItem(t, items, "debug")
	assert.Check(t, is.Equal(it.Classification, types.DriftExtra))
	assert.Check(t, is.Equal(it.Severity, types.SeverityInfo))
	assert.Check(t, it.Expected == nil)
}

func TestBaselineKeyWithoutRuleIsExpected(t *testing.T) {
	d := paperFleet()
	d.Baselines = []types.BaselineKey{{
		File: types.FileRef{Plugin: "EliteMobs", Path: "config.yml"},
		Key:  "mob-level-cap", Value: "50", ValueType: types.TypeInt,
	}}
	e := newEngine(t, d)

	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "mob-level-cap: 50\n"))
	assert.Check(t, is.Equal(findItem(t, items, "mob-level-cap").Classification, types.DriftNone))

	items = e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "other: 1\n"))
	assert.Check(t, is.Equal(findItem(t, items, "mob-level-cap").Classification, types.DriftMissing))
}

func TestNormalizedNumericEquality(t *testing.T) {
	e := newEngine(t, paperFleet(
		eliteMobsRule(1, types.ScopeGlobal, "", "view-distance", "20", types.TypeInt),
	))
	// A float form with zero fraction satisfies an integer expectation.
	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "view-distance: 20.0\n"))
	assert.Check(t, is.Equal(findItem(t, items, "view-distance").Classification, types.DriftNone))

	items = e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "view-distance: 20.5\n"))
	assert.Check(t, is.Equal(findItem(t, items, "view-distance").Classification, types.DriftUnexpected))
}

func TestListComparedElementwise(t *testing.T) {
	e := newEngine(t, paperFleet(
		eliteMobsRule(1, types.ScopeGlobal, "", "worlds", "[world, world_nether]", types.TypeList),
	))
	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "worlds:\n  - world\n  - world_nether\n"))
	assert.Check(t, is.Equal(findItem(t, items, "worlds").Classification, types.DriftNone))

	items = e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "worlds:\n  - world_nether\n  - world\n"))
	assert.Check(t, is.Equal(findItem(t, items, "worlds").Classification, types.DriftUnexpected))
}

func TestQuarantinedPluginFilesNotExpected(t *testing.T) {
	d := paperFleet(eliteMobsRule(1, types.ScopeGlobal, "", "language", "english", types.TypeString))
	d.Plugins[0].Quarantined = true
	e := newEngine(t, d)

	inst, ok := e.snap.Instance("SMP101")
	assert.Assert(t, ok)
	assert.Check(t, is.Len(e.ExpectedFiles(inst), 0))

	items := e.ScanInstance("scan-1", "SMP101", Observed{})
	assert.Check(t, is.Len(items, 0))
}

func TestResolutionErrorSurfacesAsDriftItem(t *testing.T) {
	r := eliteMobsRule(1, types.ScopeGlobal, "", "motd", "{{NOPE}}", types.TypeString)
	e := newEngine(t, paperFleet(r))
	items := e.ScanInstance("scan-1", "SMP101", eliteMobsObserved(t, "motd: hello\n"))
	it := findItem(t, items, "motd")
	assert.Check(t, is.Equal(it.Classification, types.DriftUnexpected))
	assert.Check(t, is.Contains(it.Reason, "undefined variable"))
}

func TestRequiredDatapackMissingIsError(t *testing.T) {
	d := paperFleet(types.Rule{
		ID: 1, Scope: types.ScopeGlobal,
		Target: types.Target{ConfigType: types.ConfigDatapack, File: "vanilla-tweaks"},
		Value:  "vanilla-tweaks", ValueType: types.TypeRequired,
		Active: true, UpdatedAt: scanTime.Add(-time.Hour),
	})
	e := newEngine(t, d)
	items := e.ScanInstance("scan-1", "SMP101", Observed{})
	assert.Assert(t, is.Len(items, 1))
	assert.Check(t, is.Equal(items[0].Classification, types.DriftMissing))
	assert.Check(t, is.Equal(items[0].Severity, types.SeverityError))
	assert.Check(t, is.Equal(items[0].ConfigType, types.ConfigDatapack))
}
