package agent

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/minefleet/minefleet/errdefs"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNeedsRestart = []byte("needs_restart")
	bucketManifests    = []byte("manifests")

	// manifestMetaKey holds per-deployment metadata inside a manifest
	// bucket; it can never collide with a file path because paths are
	// cleaned and never start with a NUL.
	manifestMetaKey = []byte("\x00meta")
)

// manifestEntry is one backed-up file in a deployment's rollback manifest.
type manifestEntry struct {
	Instance string `json:"instance"`
	File     string `json:"file"`
	// Existed is false when the write created the file; rollback then
	// removes it instead of restoring bytes.
	Existed bool   `json:"existed"`
	Prior   []byte `json:"prior,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

type manifestMeta struct {
	CreatedAt time.Time `json:"created_at"`
}

func (a *Agent) initBuckets() error {
	return a.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketNeedsRestart); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketManifests)
		return err
	})
}

func (a *Agent) needsRestart() ([]string, error) {
	var out []string
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNeedsRestart).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, errdefs.System(err)
	}
	sort.Strings(out)
	return out, nil
}

// setNeedsRestart records that the deployment wrote to the instance and
// the matching restart is still due. The flag value is the set of
// deployments waiting on a restart, so undoing one deployment cannot clear
// a flag another one still owns.
func (a *Agent) setNeedsRestart(instance, deploymentID string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNeedsRestart)
		pending := pendingDeployments(b.Get([]byte(instance)))
		for _, id := range pending {
			if id == deploymentID {
				return nil
			}
		}
		val, err := json.Marshal(append(pending, deploymentID))
		if err != nil {
			return err
		}
		return b.Put([]byte(instance), val)
	})
}

// clearNeedsRestart drops the flag entirely. A restart covers every write
// that preceded it, whichever deployment made it.
func (a *Agent) clearNeedsRestart(instance string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNeedsRestart).Delete([]byte(instance))
	})
}

// unmarkNeedsRestart withdraws one deployment's pending restart, clearing
// the flag only when no other deployment still waits on the instance.
func (a *Agent) unmarkNeedsRestart(instance, deploymentID string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNeedsRestart)
		pending := pendingDeployments(b.Get([]byte(instance)))
		kept := pending[:0]
		for _, id := range pending {
			if id != deploymentID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			return b.Delete([]byte(instance))
		}
		val, err := json.Marshal(kept)
		if err != nil {
			return err
		}
		return b.Put([]byte(instance), val)
	})
}

func pendingDeployments(raw []byte) []string {
	var out []string
	if len(raw) == 0 || json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

// recordBackup appends one entry to the deployment's manifest. The first
// backup of a path within a deployment wins; later writes to the same file
// keep the original pre-deployment content so rollback restores the state
// before the deployment, not an intermediate one.
func (a *Agent) recordBackup(deploymentID string, e manifestEntry) error {
	key := manifestKey(e.Instance, e.File)
	val, err := json.Marshal(e)
	if err != nil {
		return errdefs.System(err)
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketManifests).CreateBucketIfNotExists([]byte(deploymentID))
		if err != nil {
			return err
		}
		if b.Get(manifestMetaKey) == nil {
			meta, err := json.Marshal(manifestMeta{CreatedAt: time.Now().UTC()})
			if err != nil {
				return err
			}
			if err := b.Put(manifestMetaKey, meta); err != nil {
				return err
			}
		}
		if b.Get(key) != nil {
			return nil
		}
		return b.Put(key, val)
	})
}

// manifestEntries reads the manifest of one deployment.
func (a *Agent) manifestEntries(deploymentID string) ([]manifestEntry, error) {
	var out []manifestEntry
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests).Bucket([]byte(deploymentID))
		if b == nil {
			return errdefs.NotFound(errors.Errorf("no backup manifest for deployment %q", deploymentID))
		}
		return b.ForEach(func(k, v []byte) error {
			if string(k) == string(manifestMetaKey) {
				return nil
			}
			var e manifestEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return errdefs.System(errors.Wrapf(err, "corrupt manifest entry %q", k))
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (a *Agent) deleteManifest(deploymentID string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketManifests).DeleteBucket([]byte(deploymentID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// PruneManifests deletes rollback manifests older than the retention
// window and returns how many were removed.
func (a *Agent) PruneManifests(olderThan time.Time) (int, error) {
	var stale []string
	err := a.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).ForEachBucket(func(name []byte) error {
			b := tx.Bucket(bucketManifests).Bucket(name)
			raw := b.Get(manifestMetaKey)
			if raw == nil {
				return nil
			}
			var meta manifestMeta
			if err := json.Unmarshal(raw, &meta); err != nil {
				return nil
			}
			if meta.CreatedAt.Before(olderThan) {
				stale = append(stale, string(name))
			}
			return nil
		})
	})
	if err != nil {
		return 0, errdefs.System(err)
	}
	for _, id := range stale {
		if err := a.deleteManifest(id); err != nil {
			return 0, errdefs.System(err)
		}
	}
	return len(stale), nil
}

func manifestKey(instance, file string) []byte {
	return []byte(instance + "\x00" + file)
}
