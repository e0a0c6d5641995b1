package sensors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

func TestStaticSourceBaseline(t *testing.T) {
	src := NewStaticSource()
	m, err := src.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0.98, m.NetworkHealth)
	assert.Equal(t, 0.99, m.ConsensusStrength)
	assert.Equal(t, 0.99999, m.BlockchainIntegrity)
	assert.Equal(t, 150, m.ActiveValidators)
	assert.NotEmpty(t, m.LastUpdate)
	assert.True(t, m.IsHealthy())

	src.Set(threat.SystemMetrics{NetworkHealth: 0.5})
	m, err = src.Collect(context.Background())
	require.NoError(t, err)
	assert.False(t, m.IsHealthy())
}

func TestSensitivityIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(SchedulerConfig{
		Interval:             8 * time.Second,
		HeightenedInterval:   2 * time.Second,
		ValidationFrequency:  1,
		HeightenedValidation: 4,
	}, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.IncreaseSensitivity(ctx))
		assert.True(t, s.Heightened())
		assert.Equal(t, 2*time.Second, s.Interval())
		assert.Equal(t, 4, s.ValidationFrequency())
	}

	require.NoError(t, s.ResetSensitivity(ctx))
	assert.False(t, s.Heightened())
	assert.Equal(t, 8*time.Second, s.Interval())
	assert.Equal(t, 1, s.ValidationFrequency())

	require.NoError(t, s.ResetSensitivity(ctx))
	assert.Equal(t, 8*time.Second, s.Interval())
}

func TestSchedulerClampsHeightenedSettings(t *testing.T) {
	s := NewScheduler(SchedulerConfig{
		Interval:             time.Second,
		HeightenedInterval:   time.Minute,
		ValidationFrequency:  6,
		HeightenedValidation: 2,
	}, nil)
	require.NoError(t, s.IncreaseSensitivity(context.Background()))
	assert.Equal(t, time.Second, s.Interval())
	assert.Equal(t, 6, s.ValidationFrequency())
}

func TestSensitivityRespectsCancelledContext(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.IncreaseSensitivity(ctx), context.Canceled)
	assert.False(t, s.Heightened())
}

type sequenceSource struct {
	readings []threat.SystemMetrics
	calls    int
	failAt   int
}

func (s *sequenceSource) Collect(ctx context.Context) (threat.SystemMetrics, error) {
	s.calls++
	if s.failAt > 0 && s.calls == s.failAt {
		return threat.SystemMetrics{}, errors.New("sensor offline")
	}
	return s.readings[(s.calls-1)%len(s.readings)], nil
}

func TestSamplerKeepsWorstReading(t *testing.T) {
	src := &sequenceSource{readings: []threat.SystemMetrics{
		{NetworkHealth: 0.9, ConsensusStrength: 0.6, BlockchainIntegrity: 1, TimestampAccuracy: 0.9, ActiveValidators: 150, SuspiciousTransactions: 1},
		{NetworkHealth: 0.4, ConsensusStrength: 0.95, BlockchainIntegrity: 0.99, TimestampAccuracy: 0.95, ActiveValidators: 120, SuspiciousTransactions: 7},
	}}
	s := NewScheduler(SchedulerConfig{Interval: 8 * time.Second, ValidationFrequency: 1, HeightenedValidation: 2}, nil)
	sampler := NewSampler(src, s.ValidationFrequency)

	m, err := sampler.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 0.9, m.NetworkHealth)

	require.NoError(t, s.IncreaseSensitivity(context.Background()))
	src.calls = 0
	m, err = sampler.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, 0.4, m.NetworkHealth)
	assert.Equal(t, 0.6, m.ConsensusStrength)
	assert.Equal(t, 0.99, m.BlockchainIntegrity)
	assert.Equal(t, 0.9, m.TimestampAccuracy)
	assert.Equal(t, 120, m.ActiveValidators)
	assert.Equal(t, 7, m.SuspiciousTransactions)
}

func TestSamplerReportsFailedReading(t *testing.T) {
	src := &sequenceSource{readings: []threat.SystemMetrics{{NetworkHealth: 1}}, failAt: 2}
	sampler := NewSampler(src, func() int { return 3 })

	_, err := sampler.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation reading 2 of 3")
}

func TestSchedulerRunsCycles(t *testing.T) {
	var cycles atomic.Int32
	s := NewScheduler(SchedulerConfig{Interval: 10 * time.Millisecond}, func(ctx context.Context) error {
		cycles.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return cycles.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerRequiresCycle(t *testing.T) {
	s := NewScheduler(SchedulerConfig{}, nil)
	assert.Error(t, s.Run(context.Background()))
}
