package deploy

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minefleet/minefleet/api/types"
	"github.com/minefleet/minefleet/daemonconfig"
	"github.com/minefleet/minefleet/errdefs"
	"github.com/minefleet/minefleet/pkg/confcodec"
	"github.com/minefleet/minefleet/rulestore"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

var planTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeStore keeps deployments in memory and serves snapshots from fixed
// registry data.
type fakeStore struct {
	mu          sync.Mutex
	data        rulestore.Data
	deployments map[string]*types.Deployment
	states      map[string][]types.DeploymentState
	backups     map[string]string
}

func newFakeStore(d rulestore.Data) *fakeStore {
	return &fakeStore{
		data:        d,
		deployments: map[string]*types.Deployment{},
		states:      map[string][]types.DeploymentState{},
		backups:     map[string]string{},
	}
}

func (s *fakeStore) Snapshot(ctx context.Context) (*rulestore.Snapshot, error) {
	return rulestore.NewSnapshot(s.data)
}

func (s *fakeStore) CreateDeployment(ctx context.Context, d types.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d
	s.deployments[d.ID] = &cp
	s.states[d.ID] = append(s.states[d.ID], d.State)
	return nil
}

func (s *fakeStore) SetDeploymentState(ctx context.Context, id string, state types.DeploymentState, outcomes []types.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return errdefs.NotFound(errors.Errorf("deployment %s not found", id))
	}
	d.State = state
	if outcomes != nil {
		d.Outcomes = outcomes
	}
	s.states[id] = append(s.states[id], state)
	return nil
}

func (s *fakeStore) GetDeployment(ctx context.Context, id string) (*types.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, errdefs.NotFound(errors.Errorf("deployment %s not found", id))
	}
	cp := *d
	return &cp, nil
}

func (s *fakeStore) RecordBackupDigest(ctx context.Context, deploymentID, instance, file, dgst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups[deploymentID+"/"+instance+"/"+file] = dgst
	return nil
}

func (s *fakeStore) stateHistory(id string) []types.DeploymentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.DeploymentState{}, s.states[id]...)
}

// fakeAgent is an in-memory agent with switchable failures.
type fakeAgent struct {
	mu        sync.Mutex
	files     map[string][]byte
	manifests map[string]map[string][]byte

	failWrite     bool
	failRestart   bool
	corruptWrites bool
	restarted     []string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		files:     map[string][]byte{},
		manifests: map[string]map[string][]byte{},
	}
}

func (a *fakeAgent) key(instance, file string) string { return instance + "/" + file }

func (a *fakeAgent) ReadConfig(ctx context.Context, instance, file string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.files[a.key(instance, file)]
	if !ok {
		return nil, errdefs.NotFound(errors.Errorf("%s: no such config file", file))
	}
	return append([]byte{}, data...), nil
}

func (a *fakeAgent) WriteConfig(ctx context.Context, req types.WriteConfigRequest) (types.WriteConfigResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWrite {
		return types.WriteConfigResponse{}, errdefs.System(errors.New("disk full"))
	}
	k := a.key(req.Instance, req.File)
	m, ok := a.manifests[req.DeploymentID]
	if !ok {
		m = map[string][]byte{}
		a.manifests[req.DeploymentID] = m
	}
	if _, backed := m[k]; !backed {
		if prior, existed := a.files[k]; existed {
			m[k] = append([]byte{}, prior...)
		} else {
			m[k] = nil
		}
	}
	stored := req.Data
	if a.corruptWrites {
		stored = append([]byte{}, req.Data...)
		stored = append(stored, []byte("# trailing corruption\n")...)
	}
	a.files[k] = stored
	return types.WriteConfigResponse{OK: true, Digest: digest.FromBytes(req.Data).String()}, nil
}

func (a *fakeAgent) Restart(ctx context.Context, instance string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failRestart {
		return nil, errdefs.System(errors.New("process controller exploded"))
	}
	a.restarted = append(a.restarted, instance)
	return []string{instance}, nil
}

func (a *fakeAgent) Rollback(ctx context.Context, deploymentID string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.manifests[deploymentID]
	if !ok {
		return nil, errdefs.NotFound(errors.Errorf("no backup manifest for deployment %q", deploymentID))
	}
	var restored []string
	for k, prior := range m {
		if prior == nil {
			delete(a.files, k)
		} else {
			a.files[k] = prior
		}
		restored = append(restored, k)
	}
	delete(a.manifests, deploymentID)
	return restored, nil
}

type singleHostPool struct {
	host  string
	agent *fakeAgent
}

func (p singleHostPool) Agent(host string) (AgentClient, error) {
	if host != p.host {
		return nil, errdefs.NotFound(errors.Errorf("no agent for host %q", host))
	}
	return p.agent, nil
}

func languageTarget() types.Target {
	return types.Target{
		ConfigType: types.ConfigPlugin,
		Plugin:     "EliteMobs",
		File:       "config.yml",
		Key:        "language",
	}
}

func fleetData(rules ...types.Rule) rulestore.Data {
	return rulestore.Data{
		Instances: []types.Instance{
			{ID: "SMP101", Host: "hetzner", Platform: types.PlatformPaper, Active: true},
		},
		Plugins: []types.Plugin{{Name: "EliteMobs", Platform: types.PlatformPaper}},
		Rules:   rules,
	}
}

func germanRule() types.Rule {
	return types.Rule{
		ID: 1, Scope: types.ScopeGlobal,
		Target: languageTarget(),
		Value:  "german", ValueType: types.TypeString,
		Active: true, UpdatedAt: planTime,
	}
}

func testOrchestrator(t *testing.T, data rulestore.Data, agent *fakeAgent) (*Orchestrator, *fakeStore) {
	t.Helper()
	store := newFakeStore(data)
	cfg := daemonconfig.DeploymentSettings{
		RPCTimeout:        daemonconfig.Duration(5 * time.Second),
		RestartTimeout:    daemonconfig.Duration(5 * time.Second),
		MaxParallelWrites: 2,
	}
	return New(store, singleHostPool{host: "hetzner", agent: agent}, cfg, confcodec.DefaultOptions()), store
}

func languageChange(value string) types.ChangeSet {
	return types.ChangeSet{Changes: []types.Change{
		{Instance: "SMP101", Target: languageTarget(), Value: value},
	}}
}

const agentFile = "plugins/EliteMobs/config.yml"

func TestPlanRejectsChangeWithoutRule(t *testing.T) {
	agent := newFakeAgent()
	o, store := testOrchestrator(t, fleetData(), agent)

	_, err := o.Plan(context.Background(), languageChange("german"))
	assert.Check(t, errdefs.IsInvalidParameter(err))
	assert.Check(t, is.ErrorContains(err, "no active rule"))

	// The failed plan is recorded, not lost.
	var states [][]types.DeploymentState
	for id := range store.deployments {
		states = append(states, store.stateHistory(id))
	}
	assert.Assert(t, is.Len(states, 1))
	assert.Check(t, is.Equal(states[0][len(states[0])-1], types.DeploymentFailedPlan))
}

func TestPlanRejectsValueDisagreeingWithPolicy(t *testing.T) {
	agent := newFakeAgent()
	o, _ := testOrchestrator(t, fleetData(germanRule()), agent)

	_, err := o.Plan(context.Background(), languageChange("english"))
	assert.Check(t, errdefs.IsInvalidParameter(err))
	assert.Check(t, is.ErrorContains(err, "policy resolves"))
}

func TestPlanConvergedYieldsEmptyWriteSet(t *testing.T) {
	agent := newFakeAgent()
	agent.files["SMP101/"+agentFile] = []byte("language: german\n")
	o, _ := testOrchestrator(t, fleetData(germanRule()), agent)
	ctx := context.Background()

	dep, err := o.Plan(ctx, languageChange("german"))
	assert.NilError(t, err)
	assert.Check(t, is.Len(dep.Writes, 0))

	done, err := o.Execute(ctx, dep.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(done.State, types.DeploymentCompleted))
	assert.Check(t, is.Len(agent.restarted, 0))
}

func TestExecuteHappyPath(t *testing.T) {
	agent := newFakeAgent()
	agent.files["SMP101/"+agentFile] = []byte("# plugin config\nlanguage: english\ndifficulty: hard\n")
	o, store := testOrchestrator(t, fleetData(germanRule()), agent)
	ctx := context.Background()

	dep, err := o.Plan(ctx, languageChange("german"))
	assert.NilError(t, err)
	assert.Assert(t, is.Len(dep.Writes, 1))

	done, err := o.Execute(ctx, dep.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(done.State, types.DeploymentCompleted))
	assert.Check(t, is.DeepEqual(agent.restarted, []string{"SMP101"}))

	got := string(agent.files["SMP101/"+agentFile])
	assert.Check(t, is.Contains(got, "language: german"))
	// Untouched content and comments survive the rewrite.
	assert.Check(t, is.Contains(got, "# plugin config"))
	assert.Check(t, is.Contains(got, "difficulty: hard"))

	assert.Check(t, is.DeepEqual(store.stateHistory(dep.ID), []types.DeploymentState{
		types.DeploymentDrafted,
		types.DeploymentPlanned,
		types.DeploymentBackedUp,
		types.DeploymentWriting,
		types.DeploymentVerified,
		types.DeploymentRestartPending,
		types.DeploymentRestarted,
		types.DeploymentCompleted,
	}))
	assert.Assert(t, is.Len(done.Outcomes, 1))
	assert.Check(t, done.Outcomes[0].OK)
}

func TestWriteFailureRollsBack(t *testing.T) {
	agent := newFakeAgent()
	original := []byte("language: english\n")
	agent.files["SMP101/"+agentFile] = original
	o, store := testOrchestrator(t, fleetData(germanRule()), agent)
	ctx := context.Background()

	dep, err := o.Plan(ctx, languageChange("german"))
	assert.NilError(t, err)

	agent.failWrite = true
	done, err := o.Execute(ctx, dep.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(done.State, types.DeploymentRolledBack))

	history := store.stateHistory(dep.ID)
	assert.Check(t, is.Contains(history, types.DeploymentFailedWrite))
	assert.Check(t, is.DeepEqual(agent.files["SMP101/"+agentFile], original))

	var failed *types.Outcome
	for i := range done.Outcomes {
		if !done.Outcomes[i].OK {
			failed = &done.Outcomes[i]
		}
	}
	assert.Assert(t, failed != nil)
	assert.Check(t, is.Equal(failed.Kind, "write"))
	assert.Check(t, is.Contains(failed.Error, "disk full"))
}

func TestVerifyMismatchRollsBack(t *testing.T) {
	agent := newFakeAgent()
	original := []byte("language: english\n")
	agent.files["SMP101/"+agentFile] = original
	o, store := testOrchestrator(t, fleetData(germanRule()), agent)
	ctx := context.Background()

	dep, err := o.Plan(ctx, languageChange("german"))
	assert.NilError(t, err)

	agent.corruptWrites = true
	done, err := o.Execute(ctx, dep.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(done.State, types.DeploymentRolledBack))
	assert.Check(t, is.Contains(store.stateHistory(dep.ID), types.DeploymentFailedVerify))
	assert.Check(t, is.DeepEqual(agent.files["SMP101/"+agentFile], original))
}

func TestRestartFailureRollsBack(t *testing.T) {
	agent := newFakeAgent()
	original := []byte("language: english\n")
	agent.files["SMP101/"+agentFile] = original
	o, _ := testOrchestrator(t, fleetData(germanRule()), agent)
	ctx := context.Background()

	dep, err := o.Plan(ctx, languageChange("german"))
	assert.NilError(t, err)

	agent.failRestart = true
	done, err := o.Execute(ctx, dep.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(done.State, types.DeploymentRolledBack))
	assert.Check(t, is.DeepEqual(agent.files["SMP101/"+agentFile], original))
}

func TestOverlappingDeploymentsConflict(t *testing.T) {
	agent := newFakeAgent()
	agent.files["SMP101/"+agentFile] = []byte("language: english\n")
	o, _ := testOrchestrator(t, fleetData(germanRule()), agent)
	ctx := context.Background()

	first, err := o.Plan(ctx, languageChange("german"))
	assert.NilError(t, err)
	second, err := o.Plan(ctx, languageChange("german"))
	assert.NilError(t, err)

	assert.NilError(t, o.claimPairs(first))
	defer o.releasePairs(first)

	_, err = o.Execute(ctx, second.ID)
	assert.Check(t, errdefs.IsConflict(err))
	assert.Check(t, is.ErrorContains(err, first.ID))
}

func TestExecuteTwiceConflicts(t *testing.T) {
	agent := newFakeAgent()
	agent.files["SMP101/"+agentFile] = []byte("language: english\n")
	o, _ := testOrchestrator(t, fleetData(germanRule()), agent)
	ctx := context.Background()

	dep, err := o.Plan(ctx, languageChange("german"))
	assert.NilError(t, err)
	_, err = o.Execute(ctx, dep.ID)
	assert.NilError(t, err)

	_, err = o.Execute(ctx, dep.ID)
	assert.Check(t, errdefs.IsConflict(err))
	assert.Check(t, is.ErrorContains(err, "COMPLETED"))
}

func TestRollbackRevertsCompletedDeployment(t *testing.T) {
	agent := newFakeAgent()
	original := []byte("language: english\n")
	agent.files["SMP101/"+agentFile] = original
	o, store := testOrchestrator(t, fleetData(germanRule()), agent)
	ctx := context.Background()

	dep, err := o.Plan(ctx, languageChange("german"))
	assert.NilError(t, err)
	_, err = o.Execute(ctx, dep.ID)
	assert.NilError(t, err)

	done, err := o.Rollback(ctx, dep.ID)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(done.State, types.DeploymentRolledBack))
	assert.Check(t, is.DeepEqual(agent.files["SMP101/"+agentFile], original))
	assert.Check(t, is.Contains(store.stateHistory(dep.ID), types.DeploymentRollingBack))
}

func TestRollbackRefusedBeforeExecution(t *testing.T) {
	agent := newFakeAgent()
	agent.files["SMP101/"+agentFile] = []byte("language: english\n")
	o, _ := testOrchestrator(t, fleetData(germanRule()), agent)
	ctx := context.Background()

	dep, err := o.Plan(ctx, languageChange("german"))
	assert.NilError(t, err)

	_, err = o.Rollback(ctx, dep.ID)
	assert.Check(t, errdefs.IsConflict(err))
	assert.Check(t, is.ErrorContains(err, "PLANNED"))
}

func TestMultiKeyChangesGroupIntoOneWrite(t *testing.T) {
	difficulty := languageTarget()
	difficulty.Key = "difficulty"
	agent := newFakeAgent()
	agent.files["SMP101/"+agentFile] = []byte("language: english\ndifficulty: easy\n")
	data := fleetData(germanRule(), types.Rule{
		ID: 2, Scope: types.ScopeGlobal, Target: difficulty,
		Value: "hard", ValueType: types.TypeString, Active: true, UpdatedAt: planTime,
	})
	o, _ := testOrchestrator(t, data, agent)
	ctx := context.Background()

	dep, err := o.Plan(ctx, types.ChangeSet{Changes: []types.Change{
		{Instance: "SMP101", Target: languageTarget(), Value: "german"},
		{Instance: "SMP101", Target: difficulty, Value: "hard"},
	}})
	assert.NilError(t, err)
	assert.Assert(t, is.Len(dep.Writes, 1))
	assert.Check(t, is.Len(dep.Writes[0].Keys, 2))

	_, err = o.Execute(ctx, dep.ID)
	assert.NilError(t, err)
	got := string(agent.files["SMP101/"+agentFile])
	assert.Check(t, is.Contains(got, "language: german"))
	assert.Check(t, is.Contains(got, "difficulty: hard"))
	assert.Check(t, is.Equal(strings.Count(got, "\n"), 2))
}
