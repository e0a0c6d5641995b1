package escalation

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase is one step of a response sequence. Undo is optional and is only
// used by pipelines that roll back.
type Phase struct {
	Name string
	Run  func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

// PhaseResult describes a finished phase
type PhaseResult struct {
	Sequence string
	Phase    string
	Index    int
	Duration time.Duration
	Err      error
}

// Pipeline runs phases in order and stops at the first failure
type Pipeline struct {
	Name     string
	Phases   []Phase
	Rollback bool
	Timeout  time.Duration
	Observe  func(PhaseResult)
}

// Execute runs the pipeline. On failure it returns a *PhaseFailure and, when
// Rollback is set, undoes the completed phases in reverse order.
func (p Pipeline) Execute(ctx context.Context) error {
	for i, phase := range p.Phases {
		start := time.Now()
		err := ctx.Err()
		if err == nil {
			err = p.run(ctx, phase.Run)
		}
		result := PhaseResult{
			Sequence: p.Name,
			Phase:    phase.Name,
			Index:    i,
			Duration: time.Since(start),
			Err:      err,
		}
		if p.Observe != nil {
			p.Observe(result)
		}

		if err != nil {
			log.Error().
				Err(err).
				Str("sequence", p.Name).
				Str("phase", phase.Name).
				Int("index", i+1).
				Int("total", len(p.Phases)).
				Msg("Response phase failed")

			if p.Rollback {
				p.rollback(ctx, i)
			}
			return &PhaseFailure{Sequence: p.Name, Phase: phase.Name, Index: i, Err: err}
		}

		log.Info().
			Str("sequence", p.Name).
			Str("phase", phase.Name).
			Int("index", i+1).
			Int("total", len(p.Phases)).
			Dur("duration", result.Duration).
			Msg("Response phase completed")
	}
	return nil
}

// rollback undoes phases [0, failed) in reverse order. Undo errors are
// logged and do not stop the rollback.
func (p Pipeline) rollback(ctx context.Context, failed int) {
	// Undo must run even when the failure was a cancelled context
	ctx = context.WithoutCancel(ctx)
	for i := failed - 1; i >= 0; i-- {
		phase := p.Phases[i]
		if phase.Undo == nil {
			continue
		}
		if err := p.run(ctx, phase.Undo); err != nil {
			log.Error().Err(err).Str("sequence", p.Name).Str("phase", phase.Name).Msg("Rollback failed")
			continue
		}
		log.Info().Str("sequence", p.Name).Str("phase", phase.Name).Msg("Phase rolled back")
	}
}

func (p Pipeline) run(ctx context.Context, fn func(context.Context) error) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return fn(ctx)
}
