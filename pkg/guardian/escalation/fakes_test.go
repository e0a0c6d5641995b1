package escalation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/TFMV/guardian/pkg/guardian/crypto"
	"github.com/TFMV/guardian/pkg/guardian/network"
	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// fakeWorld implements every collaborator and records the calls it receives
type fakeWorld struct {
	mu       sync.Mutex
	calls    []string
	fail     map[string]error
	allClear bool
	key      string

	redundantNodes int
	crossRegion    int
	syncReplicas   []int
	snapshots      []threat.Snapshot
	reports        []threat.StatusReport
	metrics        threat.SystemMetrics

	// gate, when set, blocks DisconnectAll until it is closed
	gate    chan struct{}
	entered chan struct{}
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		fail:    make(map[string]error),
		key:     "LUNAR-MASTER-KEY-0001",
		metrics: threat.SystemMetrics{NetworkHealth: 0.98, ConsensusStrength: 0.99, BlockchainIntegrity: 0.99999},
	}
}

func (f *fakeWorld) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.fail[name]
}

func (f *fakeWorld) failOn(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, name)
		return
	}
	f.fail[name] = err
}

func (f *fakeWorld) setAllClear(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allClear = ok
}

func (f *fakeWorld) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeWorld) count(name string) int {
	n := 0
	for _, c := range f.recorded() {
		if c == name {
			n++
		}
	}
	return n
}

// without filters calls made by background work
func without(calls []string, name string) []string {
	return slices.DeleteFunc(calls, func(c string) bool { return c == name })
}

func (f *fakeWorld) IsolateNodes(ctx context.Context, nodes []string) error {
	return f.record("isolate_nodes")
}

func (f *fakeWorld) RestoreNodes(ctx context.Context, nodes []string) error {
	return f.record("restore_nodes")
}

func (f *fakeWorld) ThrottleCritical(ctx context.Context) error {
	return f.record("throttle_critical")
}

func (f *fakeWorld) RestoreThroughput(ctx context.Context) error {
	return f.record("restore_throughput")
}

func (f *fakeWorld) DisconnectAll(ctx context.Context) error {
	if f.gate != nil {
		close(f.entered)
		<-f.gate
	}
	return f.record("disconnect_all")
}

func (f *fakeWorld) ReconnectValidated(ctx context.Context) (int, error) {
	return 4, f.record("reconnect_validated")
}

func (f *fakeWorld) ReleaseIsolated(ctx context.Context) (int, error) {
	return 1, f.record("release_isolated")
}

func (f *fakeWorld) RequireSupermajority(ctx context.Context) error {
	return f.record("require_supermajority")
}

func (f *fakeWorld) RelaxSupermajority(ctx context.Context) error {
	return f.record("relax_supermajority")
}

func (f *fakeWorld) ActivateRedundant(ctx context.Context, nodes, crossRegionReplicas int) error {
	if err := f.record("activate_redundant"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redundantNodes = nodes
	f.crossRegion = crossRegionReplicas
	return nil
}

func (f *fakeWorld) Resume(ctx context.Context) error {
	return f.record("resume")
}

func (f *fakeWorld) Sync(ctx context.Context, snap threat.Snapshot, replicas int) error {
	if err := f.record("sync"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncReplicas = append(f.syncReplicas, replicas)
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeWorld) Reseal(ctx context.Context) error {
	return f.record("reseal")
}

func (f *fakeWorld) Restore(ctx context.Context) (threat.Snapshot, error) {
	if err := f.record("restore"); err != nil {
		return threat.Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snapshots) == 0 {
		return threat.Snapshot{}, errors.New("vault empty")
	}
	return f.snapshots[len(f.snapshots)-1], nil
}

func (f *fakeWorld) Rotate(ctx context.Context) (string, error) {
	if err := f.record("rotate"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = "ROTATED-MASTER-KEY-0002"
	return "key-2", nil
}

func (f *fakeWorld) Masked() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return crypto.MaskKey(f.key)
}

func (f *fakeWorld) Collect(ctx context.Context) (threat.SystemMetrics, error) {
	if err := f.record("collect"); err != nil {
		return threat.SystemMetrics{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics, nil
}

func (f *fakeWorld) IncreaseSensitivity(ctx context.Context) error {
	return f.record("increase_sensitivity")
}

func (f *fakeWorld) ResetSensitivity(ctx context.Context) error {
	return f.record("reset_sensitivity")
}

func (f *fakeWorld) AllClear(ctx context.Context) (bool, error) {
	if err := f.record("all_clear"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allClear, nil
}

func (f *fakeWorld) Deliver(ctx context.Context, report threat.StatusReport) error {
	if err := f.record("deliver"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

// linkedOperations records pause and resume of downstream operations in the
// world's call log
type linkedOperations struct {
	world   *fakeWorld
	reasons []string
}

func (o *linkedOperations) Pause(ctx context.Context, reason string) error {
	o.world.mu.Lock()
	o.reasons = append(o.reasons, reason)
	o.world.mu.Unlock()
	return o.world.record("pause_operations")
}

func (o *linkedOperations) Resume(ctx context.Context) error {
	return o.world.record("resume_operations")
}

// stateRecorder is an Observer that keeps every event
type stateRecorder struct {
	mu        sync.Mutex
	states    []threat.SystemState
	signals   int
	escalated int
	phases    []PhaseResult
}

func (r *stateRecorder) SignalReceived(signal threat.ThreatSignal, escalated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals++
	if escalated {
		r.escalated++
	}
}

func (r *stateRecorder) StateChanged(previous, current threat.SystemState, level threat.ThreatLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, current)
}

func (r *stateRecorder) PhaseCompleted(result PhaseResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, result)
}

func (r *stateRecorder) visited() []threat.SystemState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestController(t *testing.T, replicas int) (*Controller, *fakeWorld, *stateRecorder) {
	t.Helper()
	return buildTestController(t, replicas, nil)
}

// newTestControllerWithNetwork uses a real network controller and fakes for
// everything else
func newTestControllerWithNetwork(t *testing.T, replicas int) (*Controller, *fakeWorld, *network.Controller) {
	t.Helper()
	net := network.NewController(network.DefaultConfig())
	c, world, _ := buildTestController(t, replicas, func(collab *Collaborators) {
		collab.Network = net
	})
	return c, world, net
}

func buildTestController(t *testing.T, replicas int, mutate func(*Collaborators)) (*Controller, *fakeWorld, *stateRecorder) {
	t.Helper()

	world := newFakeWorld()
	recorder := &stateRecorder{}
	hooks := NewHooks()
	hooks.Register(recorder)

	collab := Collaborators{
		Network:    world,
		Consensus:  world,
		Vault:      world,
		Keys:       world,
		Metrics:    world,
		Monitoring: world,
		AllClear:   world,
		Operations: &linkedOperations{world: world},
		Sinks:      []StatusSink{world},
	}
	if mutate != nil {
		mutate(&collab)
	}

	c, err := New(collab, Options{
		Mirror: threat.OrbitalMirrorConfig{
			LunarVaultActive:       true,
			SatelliteBackupEnabled: true,
			EncryptionKey:          "LUNAR-MASTER-KEY-0001",
			ReplicaCount:           replicas,
		},
		Hooks: hooks,
		Now:   func() time.Time { return testClock },
	})
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Errorf("Failed to close controller: %v", err)
		}
	})

	return c, world, recorder
}

func signal(level threat.ThreatLevel, confidence float64) threat.ThreatSignal {
	return threat.ThreatSignal{
		Type:            threat.TypeConsensusAttack,
		Severity:        level,
		Description:     "test signal",
		Source:          "test-detector",
		Timestamp:       1700000000,
		Confidence:      confidence,
		AffectedSystems: []string{"validator-3"},
	}
}

// waitBackground blocks until background backups have finished
func waitBackground(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Background work did not finish: %v", err)
	}
}
