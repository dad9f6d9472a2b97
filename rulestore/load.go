package rulestore

import (
	"context"
	"database/sql"

	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
)

// Snapshot reads the current policy model inside one repeatable-read
// transaction and loads it into an in-memory snapshot. The handle is valid
// until garbage collected; it holds no database resources.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, errdefs.System(err)
	}
	defer tx.Rollback()

	var d Data

	instRows, err := tx.QueryxContext(ctx, `
		SELECT id, name, host, platform, port, active, COALESCE(last_seen, 'epoch'::timestamptz)
		FROM instances`)
	if err != nil {
		return nil, errdefs.System(err)
	}
	for instRows.Next() {
		var i types.Instance
		if err := instRows.Scan(&i.ID, &i.Name, &i.Host, &i.Platform, &i.Port, &i.Active, &i.LastSeen); err != nil {
			instRows.Close()
			return nil, errdefs.System(err)
		}
		d.Instances = append(d.Instances, i)
	}
	instRows.Close()

	memberRows, err := tx.QueryxContext(ctx, `SELECT group_name, instance_id FROM group_members`)
	if err != nil {
		return nil, errdefs.System(err)
	}
	for memberRows.Next() {
		var g, i string
		if err := memberRows.Scan(&g, &i); err != nil {
			memberRows.Close()
			return nil, errdefs.System(err)
		}
		d.GroupMembers = append(d.GroupMembers, [2]string{g, i})
	}
	memberRows.Close()

	tagRows, err := tx.QueryxContext(ctx, `SELECT tag_name, instance_id FROM tag_assignments`)
	if err != nil {
		return nil, errdefs.System(err)
	}
	for tagRows.Next() {
		var t, i string
		if err := tagRows.Scan(&t, &i); err != nil {
			tagRows.Close()
			return nil, errdefs.System(err)
		}
		d.TagAssigns = append(d.TagAssigns, [2]string{t, i})
	}
	tagRows.Close()

	pluginRows, err := tx.QueryxContext(ctx,
		`SELECT name, platform, parent, version, quarantined FROM plugins`)
	if err != nil {
		return nil, errdefs.System(err)
	}
	for pluginRows.Next() {
		var p types.Plugin
		if err := pluginRows.Scan(&p.Name, &p.Platform, &p.Parent, &p.Version, &p.Quarantined); err != nil {
			pluginRows.Close()
			return nil, errdefs.System(err)
		}
		d.Plugins = append(d.Plugins, p)
	}
	pluginRows.Close()

	var recs []ruleRecord
	if err := tx.SelectContext(ctx, &recs, `
		SELECT id, scope, selector, config_type, plugin, file, key, value, value_type,
			security_sensitive, active, created_at, updated_at
		FROM config_rules WHERE active`); err != nil {
		return nil, errdefs.System(err)
	}
	for _, r := range recs {
		d.Rules = append(d.Rules, r.toRule())
	}

	varRows, err := tx.QueryxContext(ctx, `SELECT scope, selector, name, value FROM config_variables`)
	if err != nil {
		return nil, errdefs.System(err)
	}
	for varRows.Next() {
		var v types.Variable
		if err := varRows.Scan(&v.Scope, &v.Selector, &v.Name, &v.Value); err != nil {
			varRows.Close()
			return nil, errdefs.System(err)
		}
		d.Variables = append(d.Variables, v)
	}
	varRows.Close()

	baseRows, err := tx.QueryxContext(ctx,
		`SELECT plugin, file, key, value, value_type FROM baseline_keys`)
	if err != nil {
		return nil, errdefs.System(err)
	}
	for baseRows.Next() {
		var b types.BaselineKey
		if err := baseRows.Scan(&b.File.Plugin, &b.File.Path, &b.Key, &b.Value, &b.ValueType); err != nil {
			baseRows.Close()
			return nil, errdefs.System(err)
		}
		d.Baselines = append(d.Baselines, b)
	}
	baseRows.Close()

	return NewSnapshot(d)
}
