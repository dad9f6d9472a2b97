package rulestore

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/pkg/errors"
)

// Registry persistence: hosts, instances, groups, tags, plugins, baselines.

// UpsertHost records a host and its agent endpoint.
func (s *Store) UpsertHost(ctx context.Context, name, endpoint, credential string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hosts (name, endpoint, credential) VALUES ($1, $2, $3)
			ON CONFLICT (name) DO UPDATE SET endpoint = EXCLUDED.endpoint, credential = EXCLUDED.credential`,
			name, endpoint, credential)
		return errdefs.System(err)
	})
}

// UpsertInstance records a discovered instance. Existing instances keep
// their friendly name unless a new one is supplied.
func (s *Store) UpsertInstance(ctx context.Context, inst types.Instance) error {
	if inst.ID == "" || inst.Host == "" {
		return errdefs.InvalidParameter(errors.New("instance needs id and host"))
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instances (id, name, host, platform, port, active, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE instances.name END,
				host = EXCLUDED.host,
				platform = EXCLUDED.platform,
				port = EXCLUDED.port,
				active = EXCLUDED.active,
				last_seen = EXCLUDED.last_seen`,
			inst.ID, inst.Name, inst.Host, inst.Platform, inst.Port, inst.Active, inst.LastSeen)
		return errdefs.System(err)
	})
}

// MarkInstanceSeen records a discovery observation. New instances are
// inserted with the given platform; existing ones keep their platform,
// name, and port, so a later manual classification is not undone by the
// next discovery cycle.
func (s *Store) MarkInstanceSeen(ctx context.Context, id, host string, platform types.Platform, active bool, seen time.Time) error {
	if id == "" || host == "" {
		return errdefs.InvalidParameter(errors.New("instance needs id and host"))
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instances (id, name, host, platform, port, active, last_seen)
			VALUES ($1, '', $2, $3, 0, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				host = EXCLUDED.host,
				active = EXCLUDED.active,
				last_seen = EXCLUDED.last_seen`,
			id, host, platform, active, seen)
		return errdefs.System(err)
	})
}

// DeactivateUnseenInstances deactivates instances not observed since the
// cutoff. Historical drift items are retained.
func (s *Store) DeactivateUnseenInstances(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE instances SET active = FALSE WHERE active AND last_seen < $1`, cutoff)
		if err != nil {
			return errdefs.System(err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// Instances lists all known instances.
func (s *Store) Instances(ctx context.Context) ([]types.Instance, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, name, host, platform, port, active, COALESCE(last_seen, 'epoch'::timestamptz)
		FROM instances ORDER BY id`)
	if err != nil {
		return nil, errdefs.System(err)
	}
	defer rows.Close()
	var out []types.Instance
	for rows.Next() {
		var i types.Instance
		if err := rows.Scan(&i.ID, &i.Name, &i.Host, &i.Platform, &i.Port, &i.Active, &i.LastSeen); err != nil {
			return nil, errdefs.System(err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// EnsureGroup creates a group if it does not exist.
func (s *Store) EnsureGroup(ctx context.Context, g types.Group) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instance_groups (name, group_type) VALUES ($1, $2)
			ON CONFLICT (name) DO NOTHING`, g.Name, g.Type)
		return errdefs.System(err)
	})
}

// AddGroupMember adds an instance to a group. Groups contain instances
// only; group-of-groups is rejected by construction since members are
// validated against the instances table.
func (s *Store) AddGroupMember(ctx context.Context, group, instance string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM instances WHERE id = $1)`, instance).Scan(&exists); err != nil {
			return errdefs.System(err)
		}
		if !exists {
			return errdefs.InvalidParameter(errors.Errorf("group member %q is not a known instance", instance))
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_name, instance_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, group, instance)
		return errdefs.System(err)
	})
}

// RemoveGroupMember removes an instance from a group.
func (s *Store) RemoveGroupMember(ctx context.Context, group, instance string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM group_members WHERE group_name = $1 AND instance_id = $2`, group, instance)
		return errdefs.System(err)
	})
}

// EnsureTag creates a tag if it does not exist.
func (s *Store) EnsureTag(ctx context.Context, t types.Tag) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tags (name, category) VALUES ($1, $2)
			ON CONFLICT (name) DO NOTHING`, t.Name, t.Category)
		return errdefs.System(err)
	})
}

// AssignTag tags an instance.
func (s *Store) AssignTag(ctx context.Context, tag, instance string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tag_assignments (tag_name, instance_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, tag, instance)
		return errdefs.System(err)
	})
}

// UnassignTag removes a tag from an instance.
func (s *Store) UnassignTag(ctx context.Context, tag, instance string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM tag_assignments WHERE tag_name = $1 AND instance_id = $2`, tag, instance)
		return errdefs.System(err)
	})
}

// UpsertPlugin records a plugin catalog entry.
func (s *Store) UpsertPlugin(ctx context.Context, p types.Plugin) error {
	if !p.Platform.Valid() {
		return errdefs.InvalidParameter(errors.Errorf("unknown platform %q", p.Platform))
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plugins (name, platform, parent, version, quarantined)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (name) DO UPDATE SET
				platform = EXCLUDED.platform,
				parent = EXCLUDED.parent,
				version = EXCLUDED.version,
				quarantined = EXCLUDED.quarantined`,
			p.Name, p.Platform, p.Parent, p.Version, p.Quarantined)
		return errdefs.System(err)
	})
}

// InsertPluginIfAbsent records a plugin only when the catalog does not
// know it yet. It reports whether a row was inserted.
func (s *Store) InsertPluginIfAbsent(ctx context.Context, p types.Plugin) (bool, error) {
	if !p.Platform.Valid() {
		return false, errdefs.InvalidParameter(errors.Errorf("unknown platform %q", p.Platform))
	}
	var inserted bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO plugins (name, platform, parent, version, quarantined)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (name) DO NOTHING`,
			p.Name, p.Platform, p.Parent, p.Version, p.Quarantined)
		if err != nil {
			return errdefs.System(err)
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	return inserted, err
}

// SetPluginQuarantine flips the quarantine flag of a catalog entry.
func (s *Store) SetPluginQuarantine(ctx context.Context, name string, quarantined bool) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE plugins SET quarantined = $2 WHERE name = $1`, name, quarantined)
		if err != nil {
			return errdefs.System(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound(errors.Errorf("plugin %q not in catalog", name))
		}
		return nil
	})
}

// Plugins lists the plugin catalog.
func (s *Store) Plugins(ctx context.Context) ([]types.Plugin, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT name, platform, parent, version, quarantined FROM plugins ORDER BY name`)
	if err != nil {
		return nil, errdefs.System(err)
	}
	defer rows.Close()
	var out []types.Plugin
	for rows.Next() {
		var p types.Plugin
		if err := rows.Scan(&p.Name, &p.Platform, &p.Parent, &p.Version, &p.Quarantined); err != nil {
			return nil, errdefs.System(err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutBaselineKey declares a baseline key for a file.
func (s *Store) PutBaselineKey(ctx context.Context, b types.BaselineKey) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO baseline_keys (plugin, file, key, value, value_type)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (plugin, file, key) DO UPDATE SET
				value = EXCLUDED.value, value_type = EXCLUDED.value_type`,
			b.File.Plugin, b.File.Path, b.Key, b.Value, b.ValueType)
		return errdefs.System(err)
	})
}
