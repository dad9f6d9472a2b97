package rulestore

import (
	"testing"

	"github.com/minefleet/minefleet/api/types"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func snapshotFixture(t *testing.T) *Snapshot {
	t.Helper()
	snap, err := NewSnapshot(Data{
		Instances: []types.Instance{
			{ID: "SMP101", Host: "hetzner", Platform: types.PlatformPaper, Active: true},
			{ID: "SMP102", Host: "ovh", Platform: types.PlatformPaper, Active: true},
		},
		Groups:       []types.Group{{Name: "smp", Type: types.GroupLogical}},
		GroupMembers: [][2]string{{"smp", "SMP101"}, {"smp", "SMP102"}},
		Tags:         []types.Tag{{Name: "beta"}},
		TagAssigns:   [][2]string{{"beta", "SMP101"}},
		Plugins: []types.Plugin{
			{Name: "EliteMobs", Platform: types.PlatformPaper},
			{Name: "EliteMobsAddon", Platform: types.PlatformPaper, Parent: "EliteMobs"},
		},
		Rules: []types.Rule{
			{
				ID: 1, Scope: types.ScopeGlobal,
				Target:    types.Target{ConfigType: types.ConfigPlugin, Plugin: "EliteMobs", File: "config.yml", Key: "language"},
				Value:     "german", ValueType: types.TypeString, Active: true,
			},
			{
				ID: 2, Scope: types.ScopeGroup, Selector: "smp",
				Target:    types.Target{ConfigType: types.ConfigPlugin, Plugin: "EliteMobs", File: "config.yml", Key: "difficulty"},
				Value:     "hard", ValueType: types.TypeString, Active: true,
			},
		},
		Baselines: []types.BaselineKey{
			{File: types.FileRef{Plugin: "EliteMobs", Path: "config.yml"}, Key: "language", Value: "english", ValueType: types.TypeString},
			{File: types.FileRef{Plugin: "EliteMobs", Path: "mobs.yml"}, Key: "spawn-rate", Value: "1.0", ValueType: types.TypeFloat},
		},
	})
	assert.NilError(t, err)
	return snap
}

func TestSnapshotMemberships(t *testing.T) {
	snap := snapshotFixture(t)

	assert.Check(t, is.DeepEqual(snap.GroupsOf("SMP101"), []string{"smp"}))
	assert.Check(t, is.DeepEqual(snap.TagsOf("SMP101"), []string{"beta"}))
	assert.Check(t, is.Len(snap.TagsOf("SMP102"), 0))

	inst, ok := snap.Instance("SMP101")
	assert.Assert(t, ok)
	assert.Check(t, is.Equal(inst.Host, "hetzner"))
	_, ok = snap.Instance("NOPE")
	assert.Check(t, !ok)
}

func TestSnapshotRuleLookup(t *testing.T) {
	snap := snapshotFixture(t)

	rules := snap.RulesForTarget(types.Target{
		ConfigType: types.ConfigPlugin, Plugin: "EliteMobs", File: "config.yml", Key: "language",
	})
	assert.Assert(t, is.Len(rules, 1))
	assert.Check(t, is.Equal(rules[0].ID, int64(1)))

	byFile := snap.RulesForFile(types.FileRef{Plugin: "EliteMobs", Path: "config.yml"})
	assert.Check(t, is.Len(byFile, 2))
}

func TestDatapackRuleFoundWithoutKey(t *testing.T) {
	target := types.Target{ConfigType: types.ConfigDatapack, File: "custom_crafts"}
	snap, err := NewSnapshot(Data{
		Instances: []types.Instance{
			{ID: "SMP101", Host: "hetzner", Platform: types.PlatformPaper, Active: true},
		},
		Rules: []types.Rule{{
			ID: 9, Scope: types.ScopeGlobal, Target: target,
			Value: "required", ValueType: types.TypeRequired, Active: true,
		}},
	})
	assert.NilError(t, err)

	// Datapack rules have no key; the target index must still hold them.
	rules := snap.RulesForTarget(target)
	assert.Assert(t, is.Len(rules, 1))
	assert.Check(t, is.Equal(rules[0].ID, int64(9)))
	assert.Check(t, is.Equal(rules[0].Target.Key, ""))
}

func TestCanonicalPluginFollowsParent(t *testing.T) {
	snap := snapshotFixture(t)
	assert.Check(t, is.Equal(snap.CanonicalPlugin("EliteMobsAddon"), "EliteMobs"))
	assert.Check(t, is.Equal(snap.CanonicalPlugin("EliteMobs"), "EliteMobs"))
	// Unknown names fold to themselves.
	assert.Check(t, is.Equal(snap.CanonicalPlugin("Unknown"), "Unknown"))
}

func TestSnapshotBaselines(t *testing.T) {
	snap := snapshotFixture(t)

	files := snap.BaselineFiles("EliteMobs")
	assert.Check(t, is.Len(files, 2))

	keys := snap.BaselineKeysForFile(types.FileRef{Plugin: "EliteMobs", Path: "mobs.yml"})
	assert.Assert(t, is.Len(keys, 1))
	assert.Check(t, is.Equal(keys[0].Key, "spawn-rate"))
}
