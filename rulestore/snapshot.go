package rulestore

import (
	"sort"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/minefleet/minefleet/api/types"
	"github.com/pkg/errors"
)

// Data is the point-in-time content a snapshot is built from. The store
// assembles it inside one read transaction; tests build it directly.
type Data struct {
	Instances    []types.Instance
	Groups       []types.Group
	GroupMembers [][2]string // (group, instance)
	Tags         []types.Tag
	TagAssigns   [][2]string // (tag, instance)
	Plugins      []types.Plugin
	Rules        []types.Rule
	Variables    []types.Variable
	Baselines    []types.BaselineKey
}

// Snapshot is a read-stable view over rules, memberships, variables, and
// the registry, backed by an in-memory indexed database. The resolver and
// the drift engine hold one snapshot for the duration of a scan, so a scan
// never observes half-applied multi-row edits.
type Snapshot struct {
	txn *memdb.Txn
}

// memdb string indexers reject empty values, so optional identifiers
// (plugin of a standard file, key of a datapack rule) are stored under a
// sentinel.
const noValue = "-"

func indexed(s string) string {
	if s == "" {
		return noValue
	}
	return s
}

func unindexed(s string) string {
	if s == noValue {
		return ""
	}
	return s
}

type ruleRow struct {
	ID         int64
	Scope      types.Scope
	Selector   string
	ConfigType string
	Plugin     string
	File       string
	Key        string
	Rule       *types.Rule
}

type memberRow struct {
	Instance string
	Group    string
}

type tagRow struct {
	Instance string
	Tag      string
}

type variableRow struct {
	Scope    string
	Selector string
	Name     string
	Value    string
}

type baselineRow struct {
	Plugin    string
	File      string
	Key       string
	Value     string
	ValueType types.ValueType
}

var snapshotSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"rule": {
			Name: "rule",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.IntFieldIndex{Field: "ID"},
				},
				"target": {
					Name: "target",
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "ConfigType"},
							&memdb.StringFieldIndex{Field: "Plugin", Lowercase: false},
							&memdb.StringFieldIndex{Field: "File"},
							&memdb.StringFieldIndex{Field: "Key"},
						},
						AllowMissing: true,
					},
				},
				"file": {
					Name: "file",
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Plugin"},
							&memdb.StringFieldIndex{Field: "File"},
						},
						AllowMissing: true,
					},
				},
			},
		},
		"member": {
			Name: "member",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Instance"},
							&memdb.StringFieldIndex{Field: "Group"},
						},
					},
				},
				"instance": {
					Name:    "instance",
					Indexer: &memdb.StringFieldIndex{Field: "Instance"},
				},
			},
		},
		"tag": {
			Name: "tag",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Instance"},
							&memdb.StringFieldIndex{Field: "Tag"},
						},
					},
				},
				"instance": {
					Name:    "instance",
					Indexer: &memdb.StringFieldIndex{Field: "Instance"},
				},
			},
		},
		"variable": {
			Name: "variable",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Scope"},
							&memdb.StringFieldIndex{Field: "Selector"},
							&memdb.StringFieldIndex{Field: "Name"},
						},
						AllowMissing: true,
					},
				},
			},
		},
		"instance": {
			Name: "instance",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
		"plugin": {
			Name: "plugin",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Name"},
				},
			},
		},
		"baseline": {
			Name: "baseline",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Plugin"},
							&memdb.StringFieldIndex{Field: "File"},
							&memdb.StringFieldIndex{Field: "Key"},
						},
						AllowMissing: true,
					},
				},
				"file": {
					Name: "file",
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Plugin"},
							&memdb.StringFieldIndex{Field: "File"},
						},
						AllowMissing: true,
					},
				},
			},
		},
	},
}

// NewSnapshot builds a read-stable snapshot from data. Only active rules
// participate in resolution; inactive ones are skipped at load.
func NewSnapshot(d Data) (*Snapshot, error) {
	db, err := memdb.NewMemDB(snapshotSchema)
	if err != nil {
		return nil, errors.Wrap(err, "building snapshot schema")
	}
	txn := db.Txn(true)
	defer txn.Abort()

	for i := range d.Instances {
		inst := d.Instances[i]
		if err := txn.Insert("instance", &inst); err != nil {
			return nil, err
		}
	}
	for i := range d.Plugins {
		p := d.Plugins[i]
		if err := txn.Insert("plugin", &p); err != nil {
			return nil, err
		}
	}
	for _, m := range d.GroupMembers {
		if err := txn.Insert("member", &memberRow{Group: m[0], Instance: m[1]}); err != nil {
			return nil, err
		}
	}
	for _, a := range d.TagAssigns {
		if err := txn.Insert("tag", &tagRow{Tag: a[0], Instance: a[1]}); err != nil {
			return nil, err
		}
	}
	for _, v := range d.Variables {
		row := &variableRow{Scope: string(v.Scope), Selector: indexed(v.Selector), Name: v.Name, Value: v.Value}
		if err := txn.Insert("variable", row); err != nil {
			return nil, err
		}
	}
	for i := range d.Rules {
		r := d.Rules[i]
		if !r.Active {
			continue
		}
		row := &ruleRow{
			ID:         r.ID,
			Scope:      r.Scope,
			Selector:   r.Selector,
			ConfigType: string(r.Target.ConfigType),
			Plugin:     indexed(r.Target.Plugin),
			File:       r.Target.File,
			Key:        indexed(r.Target.Key),
			Rule:       &r,
		}
		if err := txn.Insert("rule", row); err != nil {
			return nil, err
		}
	}
	for _, b := range d.Baselines {
		row := &baselineRow{
			Plugin:    indexed(b.File.Plugin),
			File:      b.File.Path,
			Key:       b.Key,
			Value:     b.Value,
			ValueType: b.ValueType,
		}
		if err := txn.Insert("baseline", row); err != nil {
			return nil, err
		}
	}
	txn.Commit()
	return &Snapshot{txn: db.Txn(false)}, nil
}

// Instance returns the registry entry for an instance id.
func (s *Snapshot) Instance(id string) (*types.Instance, bool) {
	raw, err := s.txn.First("instance", "id", id)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*types.Instance), true
}

// Instances returns all instances in the snapshot, sorted by id.
func (s *Snapshot) Instances() []types.Instance {
	it, err := s.txn.Get("instance", "id")
	if err != nil {
		return nil
	}
	var out []types.Instance
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*types.Instance))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GroupsOf returns the groups the instance belongs to.
func (s *Snapshot) GroupsOf(instance string) []string {
	it, err := s.txn.Get("member", "instance", instance)
	if err != nil {
		return nil
	}
	var out []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*memberRow).Group)
	}
	sort.Strings(out)
	return out
}

// TagsOf returns the tags assigned to the instance.
func (s *Snapshot) TagsOf(instance string) []string {
	it, err := s.txn.Get("tag", "instance", instance)
	if err != nil {
		return nil
	}
	var out []string
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*tagRow).Tag)
	}
	sort.Strings(out)
	return out
}

// Variable looks up a variable at one scope.
func (s *Snapshot) Variable(scope types.Scope, selector, name string) (string, bool) {
	raw, err := s.txn.First("variable", "id", string(scope), indexed(selector), name)
	if err != nil || raw == nil {
		return "", false
	}
	return raw.(*variableRow).Value, true
}

// Plugin returns the catalog entry for a plugin name.
func (s *Snapshot) Plugin(name string) (*types.Plugin, bool) {
	raw, err := s.txn.First("plugin", "id", name)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*types.Plugin), true
}

// CanonicalPlugin follows addon-to-parent folding: the config files of an
// addon belong to its parent.
func (s *Snapshot) CanonicalPlugin(name string) string {
	seen := map[string]bool{}
	for name != "" && !seen[name] {
		seen[name] = true
		p, ok := s.Plugin(name)
		if !ok || p.Parent == "" {
			return name
		}
		name = p.Parent
	}
	return name
}

// RulesForTarget returns all active rules whose target equals t.
func (s *Snapshot) RulesForTarget(t types.Target) []*types.Rule {
	it, err := s.txn.Get("rule", "target", string(t.ConfigType), indexed(t.Plugin), t.File, indexed(t.Key))
	if err != nil {
		return nil
	}
	var out []*types.Rule
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*ruleRow).Rule)
	}
	return out
}

// RulesForFile returns all active rules targeting any key of the file.
func (s *Snapshot) RulesForFile(f types.FileRef) []*types.Rule {
	it, err := s.txn.Get("rule", "file", indexed(f.Plugin), f.Path)
	if err != nil {
		return nil
	}
	var out []*types.Rule
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*ruleRow).Rule)
	}
	return out
}

// Rules returns every active rule in the snapshot.
func (s *Snapshot) Rules() []*types.Rule {
	it, err := s.txn.Get("rule", "id")
	if err != nil {
		return nil
	}
	var out []*types.Rule
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*ruleRow).Rule)
	}
	return out
}

// BaselineKeysForFile returns the baseline-declared keys of a file.
func (s *Snapshot) BaselineKeysForFile(f types.FileRef) []types.BaselineKey {
	it, err := s.txn.Get("baseline", "file", indexed(f.Plugin), f.Path)
	if err != nil {
		return nil
	}
	var out []types.BaselineKey
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*baselineRow)
		out = append(out, types.BaselineKey{
			File:      types.FileRef{Plugin: unindexed(row.Plugin), Path: row.File},
			Key:       row.Key,
			Value:     row.Value,
			ValueType: row.ValueType,
		})
	}
	return out
}

// BaselineFiles returns every file that has baseline declarations for the
// plugin.
func (s *Snapshot) BaselineFiles(plugin string) []types.FileRef {
	it, err := s.txn.Get("baseline", "id")
	if err != nil {
		return nil
	}
	seen := map[types.FileRef]bool{}
	var out []types.FileRef
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*baselineRow)
		if row.Plugin != indexed(plugin) {
			continue
		}
		ref := types.FileRef{Plugin: unindexed(row.Plugin), Path: row.File}
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

// Plugins returns the whole catalog.
func (s *Snapshot) Plugins() []types.Plugin {
	it, err := s.txn.Get("plugin", "id")
	if err != nil {
		return nil
	}
	var out []types.Plugin
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*types.Plugin))
	}
	return out
}
