package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

func TestIsolateAndRestoreNodes(t *testing.T) {
	ctx := context.Background()
	c := NewController(Config{})

	require.NoError(t, c.IsolateNodes(ctx, []string{"validator-9", "validator-2"}))
	assert.Equal(t, []string{"validator-2", "validator-9"}, c.Isolated())
	assert.False(t, c.NodeAllowed("validator-2"))
	assert.True(t, c.NodeAllowed("validator-3"))

	require.NoError(t, c.RestoreNodes(ctx, []string{"validator-2"}))
	assert.Equal(t, []string{"validator-9"}, c.Isolated())

	assert.ErrorIs(t, c.IsolateNodes(ctx, []string{""}), ErrInvalidNode)
}

func TestThrottleAdmission(t *testing.T) {
	ctx := context.Background()
	c := NewController(Config{NormalRate: 1000, CriticalRate: 1000, Burst: 10})

	assert.True(t, c.Admit(PriorityNormal))

	require.NoError(t, c.ThrottleCritical(ctx))
	assert.True(t, c.CriticalOnly())
	assert.False(t, c.Admit(PriorityNormal))
	assert.True(t, c.Admit(PriorityCritical))

	require.NoError(t, c.RestoreThroughput(ctx))
	assert.True(t, c.Admit(PriorityNormal))
}

func TestDisconnectAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewController(Config{})

	require.NoError(t, c.DisconnectAll(ctx))
	first := c.Gates()
	require.NoError(t, c.DisconnectAll(ctx))
	second := c.Gates()

	require.Len(t, first, 4)
	for i, gate := range second {
		assert.Equal(t, GateSevered, gate.State, "channel %s", gate.Channel)
		assert.Equal(t, first[i].ChangedAt, gate.ChangedAt, "second disconnect must not touch %s", gate.Channel)
	}
	assert.False(t, c.Admit(PriorityCritical))
	assert.False(t, c.NodeAllowed("validator-1"))
}

func TestReconnectValidatedKeepsIsolation(t *testing.T) {
	ctx := context.Background()
	c := NewController(Config{})

	require.NoError(t, c.IsolateNodes(ctx, []string{"validator-7"}))
	require.NoError(t, c.DisconnectAll(ctx))

	reopened, err := c.ReconnectValidated(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(Channels()), reopened)
	assert.True(t, c.NodeAllowed("validator-1"))
	assert.False(t, c.NodeAllowed("validator-7"))

	released, err := c.ReleaseIsolated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.True(t, c.NodeAllowed("validator-7"))
	assert.Empty(t, c.Isolated())
}

func TestPostureReflectsEnforcement(t *testing.T) {
	ctx := context.Background()
	c := NewController(Config{})
	q := NewQuorum()

	require.NoError(t, c.IsolateNodes(ctx, []string{"validator-4"}))
	require.NoError(t, c.ThrottleCritical(ctx))
	require.NoError(t, c.DisconnectAll(ctx))
	require.NoError(t, q.RequireSupermajority(ctx))
	require.NoError(t, q.ActivateRedundant(ctx, 6, 6))

	var p threat.Posture
	c.ReportPosture(&p)
	q.ReportPosture(&p)

	assert.Len(t, p.Gates, len(Channels()))
	for ch, state := range p.Gates {
		assert.Equal(t, "SEVERED", state, "channel %s", ch)
	}
	assert.Equal(t, []string{"validator-4"}, p.IsolatedNodes)
	assert.True(t, p.CriticalOnly)
	assert.True(t, p.Supermajority)
	assert.Equal(t, "REDUNDANT", p.ConsensusMode)
	assert.Equal(t, 6, p.RedundantNodes)
	assert.Equal(t, 6, p.CrossRegionReplicas)
}

func TestParsePriority(t *testing.T) {
	testCases := []struct {
		in       string
		expected Priority
		wantErr  bool
	}{
		{"", PriorityNormal, false},
		{"normal", PriorityNormal, false},
		{" CRITICAL ", PriorityCritical, false},
		{"urgent", PriorityNormal, true},
	}

	for _, tc := range testCases {
		p, err := ParsePriority(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.expected, p)
	}
	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "normal", PriorityNormal.String())
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewController(Config{})
	assert.ErrorIs(t, c.DisconnectAll(ctx), context.Canceled)
	assert.ErrorIs(t, NewQuorum().RequireSupermajority(ctx), context.Canceled)
}

func TestThreshold(t *testing.T) {
	testCases := []struct {
		total    int
		expected int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{6, 4},
		{7, 5},
		{150, 100},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, Threshold(tc.total), "total=%d", tc.total)
	}
}

func TestQuorumVerify(t *testing.T) {
	ctx := context.Background()
	q := NewQuorum()

	assert.True(t, q.Verify(51, 100))
	assert.False(t, q.Verify(50, 100))

	require.NoError(t, q.RequireSupermajority(ctx))
	assert.False(t, q.Verify(66, 100))
	assert.True(t, q.Verify(67, 100))
	assert.False(t, q.Verify(5, 0))
	assert.False(t, q.Verify(101, 100))

	require.NoError(t, q.RelaxSupermajority(ctx))
	assert.False(t, q.Supermajority())
}

func TestQuorumRedundantMode(t *testing.T) {
	ctx := context.Background()
	q := NewQuorum()

	require.NoError(t, q.ActivateRedundant(ctx, 3, 0))
	mode, nodes, cross := q.Mode()
	assert.Equal(t, ModeRedundant, mode)
	assert.Equal(t, 3, nodes)
	assert.Equal(t, 0, cross)

	assert.ErrorIs(t, q.ActivateRedundant(ctx, 0, 0), ErrInvalidCapacity)

	require.NoError(t, q.Resume(ctx))
	mode, _, _ = q.Mode()
	assert.Equal(t, ModeTerrestrial, mode)
}
