package rulestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/pkg/errors"
)

// Deployment and backup-manifest persistence. Planned write content is not
// stored server-side; only the change set, the state, and the outcomes are,
// which is what recovery and reporting need. The prior bytes live in the
// agents' manifests.

// CreateDeployment records a new deployment in DRAFTED state.
func (s *Store) CreateDeployment(ctx context.Context, d types.Deployment) error {
	changes, err := json.Marshal(d.Changes)
	if err != nil {
		return errdefs.System(err)
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployments (id, state, changes) VALUES ($1, $2, $3)`,
			d.ID, d.State, changes)
		return errdefs.System(err)
	})
}

// SetDeploymentState transitions a deployment, optionally updating its
// per-instance outcomes.
func (s *Store) SetDeploymentState(ctx context.Context, id string, state types.DeploymentState, outcomes []types.Outcome) error {
	var outJSON any
	if outcomes != nil {
		b, err := json.Marshal(outcomes)
		if err != nil {
			return errdefs.System(err)
		}
		outJSON = b
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var res sql.Result
		var err error
		if outJSON != nil {
			res, err = tx.ExecContext(ctx,
				`UPDATE deployments SET state = $2, outcomes = $3, updated_at = now() WHERE id = $1`,
				id, state, outJSON)
		} else {
			res, err = tx.ExecContext(ctx,
				`UPDATE deployments SET state = $2, updated_at = now() WHERE id = $1`,
				id, state)
		}
		if err != nil {
			return errdefs.System(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errdefs.NotFound(errors.Errorf("deployment %s not found", id))
		}
		return nil
	})
}

// GetDeployment loads one deployment.
func (s *Store) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	var (
		d        types.Deployment
		changes  []byte
		outcomes []byte
	)
	err := s.db.QueryRowxContext(ctx, `
		SELECT id, state, changes, COALESCE(outcomes, 'null'), created_at, updated_at
		FROM deployments WHERE id = $1`, id).
		Scan(&d.ID, &d.State, &changes, &outcomes, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errdefs.NotFound(errors.Errorf("deployment %s not found", id))
	}
	if err != nil {
		return nil, errdefs.System(err)
	}
	if err := json.Unmarshal(changes, &d.Changes); err != nil {
		return nil, errdefs.System(err)
	}
	if err := json.Unmarshal(outcomes, &d.Outcomes); err != nil {
		return nil, errdefs.System(err)
	}
	return &d, nil
}

// InFlightDeployments lists deployments in a non-terminal state.
func (s *Store) InFlightDeployments(ctx context.Context) ([]types.Deployment, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, state, changes, created_at, updated_at FROM deployments
		WHERE state NOT IN ('COMPLETED', 'FAILED_PLAN', 'ROLLED_BACK')
		ORDER BY created_at`)
	if err != nil {
		return nil, errdefs.System(err)
	}
	defer rows.Close()
	var out []types.Deployment
	for rows.Next() {
		var (
			d       types.Deployment
			changes []byte
		)
		if err := rows.Scan(&d.ID, &d.State, &changes, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, errdefs.System(err)
		}
		if err := json.Unmarshal(changes, &d.Changes); err != nil {
			return nil, errdefs.System(err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordBackupDigest notes that an agent captured prior bytes for a file of
// a deployment. The bytes themselves stay on the agent.
func (s *Store) RecordBackupDigest(ctx context.Context, deploymentID, instance, file, dgst string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO backup_manifests (deployment_id, instance_id, file, digest)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (deployment_id, instance_id, file) DO UPDATE SET digest = EXCLUDED.digest`,
			deploymentID, instance, file, dgst)
		return errdefs.System(err)
	})
}

// PurgeBackupManifests drops manifest records older than the retention
// cutoff.
func (s *Store) PurgeBackupManifests(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM backup_manifests WHERE created_at < $1`, cutoff)
		if err != nil {
			return errdefs.System(err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
