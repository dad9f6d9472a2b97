package resolver

import (
	"errors"
	"testing"
	"time"

	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/rulestore"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func eliteMobsTarget(key string) types.Target {
	return types.Target{
		ConfigType: types.ConfigPlugin,
		Plugin:     "EliteMobs",
		File:       "config.yml",
		Key:        key,
	}
}

func fixture(t *testing.T, extra ...types.Rule) *rulestore.Snapshot {
	t.Helper()
	rules := append([]types.Rule{
		{
			ID: 1, Scope: types.ScopeGlobal,
			Target: eliteMobsTarget("language"),
			Value:  "english", ValueType: types.TypeString,
			Active: true, UpdatedAt: baseTime,
		},
	}, extra...)
	snap, err := rulestore.NewSnapshot(rulestore.Data{
		Instances: []types.Instance{
			{ID: "SMP101", Host: "hetzner", Platform: types.PlatformPaper, Active: true},
			{ID: "CREA01", Host: "ovh", Platform: types.PlatformPaper, Active: true},
			{ID: "PROXY1", Host: "hetzner", Platform: types.PlatformVelocity, Active: true},
		},
		GroupMembers: [][2]string{{"production", "SMP101"}, {"production", "CREA01"}},
		TagAssigns:   [][2]string{{"creative", "CREA01"}},
		Plugins: []types.Plugin{
			{Name: "EliteMobs", Platform: types.PlatformPaper},
			{Name: "Vault", Platform: types.PlatformPaper},
			{Name: "Geyser-Spigot", Platform: types.PlatformVelocity},
			{Name: "QuickShop-Addon", Platform: types.PlatformPaper, Parent: "QuickShop"},
			{Name: "QuickShop", Platform: types.PlatformPaper},
		},
		Rules: rules,
	})
	assert.NilError(t, err)
	return snap
}

func TestGlobalRuleApplies(t *testing.T) {
	snap := fixture(t)
	res, err := Resolve(snap, Query{Instance: "SMP101", Target: eliteMobsTarget("language")})
	assert.NilError(t, err)
	assert.Assert(t, res != nil)
	assert.Check(t, is.Equal(res.Value.Str, "english"))
	assert.Check(t, is.Equal(res.Rule.Scope, types.ScopeGlobal))
}

func TestInstanceRuleBeatsGlobal(t *testing.T) {
	snap := fixture(t, types.Rule{
		ID: 2, Scope: types.ScopeInstance, Selector: "SMP101",
		Target: eliteMobsTarget("language"),
		Value:  "german", ValueType: types.TypeString,
		Active: true, UpdatedAt: baseTime,
	})
	res, err := Resolve(snap, Query{Instance: "SMP101", Target: eliteMobsTarget("language")})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(res.Value.Str, "german"))

	// The other instance still resolves the global value.
	res, err = Resolve(snap, Query{Instance: "CREA01", Target: eliteMobsTarget("language")})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(res.Value.Str, "english"))
}

func TestTagRuleBeatsServerAndGlobal(t *testing.T) {
	target := types.Target{
		ConfigType: types.ConfigPlugin, Plugin: "Vault",
		File: "config.yml", Key: "economy.enabled",
	}
	snap := fixture(t,
		types.Rule{
			ID: 10, Scope: types.ScopeGlobal, Target: target,
			Value: "true", ValueType: types.TypeBool, Active: true, UpdatedAt: baseTime,
		},
		types.Rule{
			ID: 11, Scope: types.ScopeTag, Selector: "creative", Target: target,
			Value: "false", ValueType: types.TypeBool, Active: true, UpdatedAt: baseTime,
		},
	)
	res, err := Resolve(snap, Query{Instance: "CREA01", Target: target})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(res.Value.Bool, false))
	assert.Check(t, is.Equal(res.Rule.ID, int64(11)))

	res, err = Resolve(snap, Query{Instance: "SMP101", Target: target})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(res.Value.Bool, true))
}

func TestPriorityMonotonicity(t *testing.T) {
	target := eliteMobsTarget("language")
	withInstance := fixture(t, types.Rule{
		ID: 2, Scope: types.ScopeInstance, Selector: "SMP101", Target: target,
		Value: "german", ValueType: types.TypeString, Active: true, UpdatedAt: baseTime,
	})
	// Adding a weaker SERVER rule must not change the resolution.
	withBoth := fixture(t,
		types.Rule{
			ID: 2, Scope: types.ScopeInstance, Selector: "SMP101", Target: target,
			Value: "german", ValueType: types.TypeString, Active: true, UpdatedAt: baseTime,
		},
		types.Rule{
			ID: 3, Scope: types.ScopeServer, Selector: "hetzner", Target: target,
			Value: "french", ValueType: types.TypeString, Active: true, UpdatedAt: baseTime,
		},
	)
	for _, snap := range []*rulestore.Snapshot{withInstance, withBoth} {
		res, err := Resolve(snap, Query{Instance: "SMP101", Target: target})
		assert.NilError(t, err)
		assert.Check(t, is.Equal(res.Value.Str, "german"))
	}
}

func TestDuplicateRuleLaterUpdateWins(t *testing.T) {
	target := eliteMobsTarget("language")
	snap := fixture(t,
		types.Rule{
			ID: 2, Scope: types.ScopeInstance, Selector: "SMP101", Target: target,
			Value: "german", ValueType: types.TypeString, Active: true, UpdatedAt: baseTime,
		},
		types.Rule{
			ID: 3, Scope: types.ScopeInstance, Selector: "SMP101", Target: target,
			Value: "spanish", ValueType: types.TypeString, Active: true,
			UpdatedAt: baseTime.Add(time.Hour),
		},
	)
	res, err := Resolve(snap, Query{Instance: "SMP101", Target: target})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(res.Value.Str, "spanish"))
}

func TestAmbiguousRuleFailsHard(t *testing.T) {
	target := eliteMobsTarget("language")
	snap := fixture(t,
		types.Rule{
			ID: 2, Scope: types.ScopeInstance, Selector: "SMP101", Target: target,
			Value: "german", ValueType: types.TypeString, Active: true, UpdatedAt: baseTime,
		},
		types.Rule{
			ID: 3, Scope: types.ScopeInstance, Selector: "SMP101", Target: target,
			Value: "spanish", ValueType: types.TypeString, Active: true, UpdatedAt: baseTime,
		},
	)
	_, err := Resolve(snap, Query{Instance: "SMP101", Target: target})
	var rerr *Error
	assert.Assert(t, errors.As(err, &rerr))
	assert.Check(t, is.Equal(rerr.Kind, AmbiguousRule))
}

func TestEqualLengthSelectorTieFailsHard(t *testing.T) {
	target := eliteMobsTarget("language")
	snap, err := rulestore.NewSnapshot(rulestore.Data{
		Instances: []types.Instance{
			{ID: "SMP101", Host: "hetzner", Platform: types.PlatformPaper, Active: true},
		},
		GroupMembers: [][2]string{{"groupa", "SMP101"}, {"groupb", "SMP101"}},
		Plugins:      []types.Plugin{{Name: "EliteMobs", Platform: types.PlatformPaper}},
		Rules: []types.Rule{
			{
				ID: 1, Scope: types.ScopeGroup, Selector: "groupa", Target: target,
				Value: "german", ValueType: types.TypeString, Active: true, UpdatedAt: baseTime,
			},
			{
				ID: 2, Scope: types.ScopeGroup, Selector: "groupb", Target: target,
				Value: "french", ValueType: types.TypeString, Active: true, UpdatedAt: baseTime,
			},
		},
	})
	assert.NilError(t, err)

	// Different groups, equally specific selectors, same timestamp: there
	// is nothing left to break the tie with.
	_, rerr := Resolve(snap, Query{Instance: "SMP101", Target: target})
	var re *Error
	assert.Assert(t, errors.As(rerr, &re))
	assert.Check(t, is.Equal(re.Kind, AmbiguousRule))
}

func TestPlatformIsolationYieldsEmpty(t *testing.T) {
	target := types.Target{
		ConfigType: types.ConfigPlugin, Plugin: "Geyser-Spigot",
		File: "config.yml", Key: "bedrock.port",
	}
	snap := fixture(t, types.Rule{
		ID: 20, Scope: types.ScopeGlobal, Target: target,
		Value: "19132", ValueType: types.TypeInt, Active: true, UpdatedAt: baseTime,
	})
	// Paper instance: the velocity-only plugin rule is inert.
	res, err := Resolve(snap, Query{Instance: "SMP101", Target: target})
	assert.NilError(t, err)
	assert.Check(t, is.Nil(res))

	// Velocity instance resolves it.
	res, err = Resolve(snap, Query{Instance: "PROXY1", Target: target})
	assert.NilError(t, err)
	assert.Assert(t, res != nil)
	assert.Check(t, is.Equal(res.Value.Int, int64(19132)))
}

func TestAddonRuleFoldsToParent(t *testing.T) {
	parentTarget := types.Target{
		ConfigType: types.ConfigPlugin, Plugin: "QuickShop",
		File: "addon.yml", Key: "display.enabled",
	}
	snap := fixture(t, types.Rule{
		ID: 30, Scope: types.ScopeGlobal, Target: parentTarget,
		Value: "true", ValueType: types.TypeBool, Active: true, UpdatedAt: baseTime,
	})
	// Querying through the addon name resolves the parent's rule.
	addonTarget := parentTarget
	addonTarget.Plugin = "QuickShop-Addon"
	res, err := Resolve(snap, Query{Instance: "SMP101", Target: addonTarget})
	assert.NilError(t, err)
	assert.Assert(t, res != nil)
	assert.Check(t, is.Equal(res.Rule.ID, int64(30)))
}

func TestVariableSubstitution(t *testing.T) {
	target := eliteMobsTarget("server-name")
	snap, err := rulestore.NewSnapshot(rulestore.Data{
		Instances: []types.Instance{{ID: "SMP101", Host: "hetzner", Platform: types.PlatformPaper}},
		Plugins:   []types.Plugin{{Name: "EliteMobs", Platform: types.PlatformPaper}},
		Rules: []types.Rule{{
			ID: 1, Scope: types.ScopeGlobal, Target: target,
			Value: "Welcome to {{SHORTNAME}}", ValueType: types.TypeString,
			Active: true, UpdatedAt: baseTime,
		}},
		Variables: []types.Variable{
			{Scope: types.ScopeGlobal, Name: "SHORTNAME", Value: "the fleet"},
			{Scope: types.ScopeInstance, Selector: "SMP101", Name: "SHORTNAME", Value: "SMP101"},
		},
	})
	assert.NilError(t, err)

	// Instance scope shadows global.
	res, err := Resolve(snap, Query{Instance: "SMP101", Target: target})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(res.Value.Str, "Welcome to SMP101"))
}

func TestUndefinedVariableFails(t *testing.T) {
	target := eliteMobsTarget("motd")
	snap, err := rulestore.NewSnapshot(rulestore.Data{
		Instances: []types.Instance{{ID: "SMP101", Host: "hetzner", Platform: types.PlatformPaper}},
		Rules: []types.Rule{{
			ID: 1, Scope: types.ScopeGlobal, Target: target,
			Value: "{{NOPE}}", ValueType: types.TypeString,
			Active: true, UpdatedAt: baseTime,
		}},
	})
	assert.NilError(t, err)

	_, rerr := Resolve(snap, Query{Instance: "SMP101", Target: target})
	var re *Error
	assert.Assert(t, errors.As(rerr, &re))
	assert.Check(t, is.Equal(re.Kind, UndefinedVariable))
	assert.Check(t, is.Equal(re.Variable, "NOPE"))
}

func TestTypeMismatchFails(t *testing.T) {
	target := eliteMobsTarget("port")
	snap, err := rulestore.NewSnapshot(rulestore.Data{
		Instances: []types.Instance{{ID: "SMP101", Host: "hetzner", Platform: types.PlatformPaper}},
		Rules: []types.Rule{{
			ID: 1, Scope: types.ScopeGlobal, Target: target,
			Value: "not-a-number", ValueType: types.TypeInt,
			Active: true, UpdatedAt: baseTime,
		}},
	})
	assert.NilError(t, err)

	_, rerr := Resolve(snap, Query{Instance: "SMP101", Target: target})
	var re *Error
	assert.Assert(t, errors.As(rerr, &re))
	assert.Check(t, is.Equal(re.Kind, TypeMismatch))
}

func TestListSubstitutionElementwise(t *testing.T) {
	target := eliteMobsTarget("worlds")
	snap, err := rulestore.NewSnapshot(rulestore.Data{
		Instances: []types.Instance{{ID: "SMP101", Host: "hetzner", Platform: types.PlatformPaper}},
		Rules: []types.Rule{{
			ID: 1, Scope: types.ScopeGlobal, Target: target,
			Value: "[\"{{WORLD}}\", \"{{WORLD}}_nether\"]", ValueType: types.TypeList,
			Active: true, UpdatedAt: baseTime,
		}},
		Variables: []types.Variable{
			{Scope: types.ScopeGlobal, Name: "WORLD", Value: "world"},
		},
	})
	assert.NilError(t, err)

	res, err := Resolve(snap, Query{Instance: "SMP101", Target: target})
	assert.NilError(t, err)
	assert.Assert(t, is.Len(res.Value.List, 2))
	assert.Check(t, is.Equal(res.Value.List[0].Str, "world"))
	assert.Check(t, is.Equal(res.Value.List[1].Str, "world_nether"))
}

func TestResolveIsDeterministic(t *testing.T) {
	snap := fixture(t)
	q := Query{Instance: "SMP101", Target: eliteMobsTarget("language")}
	first, err := Resolve(snap, q)
	assert.NilError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Resolve(snap, q)
		assert.NilError(t, err)
		assert.Check(t, is.Equal(again.Value.Str, first.Value.Str))
		assert.Check(t, is.Equal(again.Rule.ID, first.Rule.ID))
	}
}
