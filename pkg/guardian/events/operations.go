package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// SubjectOperations carries pause and resume commands for linked downstream
// operations
const SubjectOperations = "guardian.operations"

// Operation commands
const (
	CommandPause  = "pause"
	CommandResume = "resume"
)

// OperationsCommand is published when linked operations must pause or resume
type OperationsCommand struct {
	Command   string `json:"command"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// OperationsLink pauses and resumes linked operations over the event bus. It
// implements escalation.OperationsControl. Without a connection it only
// tracks the paused state.
type OperationsLink struct {
	mu     sync.Mutex
	conn   Conn
	paused bool
	reason string
}

// NewOperationsLink creates a link. conn may be nil.
func NewOperationsLink(conn Conn) *OperationsLink {
	return &OperationsLink{conn: conn}
}

// Pause implements escalation.OperationsControl. Pausing while paused only
// updates the reason.
func (o *OperationsLink) Pause(ctx context.Context, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.send(CommandPause, reason); err != nil {
		return err
	}
	o.paused = true
	o.reason = reason

	log.Warn().Str("reason", reason).Msg("Linked operations paused")
	return nil
}

// Resume implements escalation.OperationsControl
func (o *OperationsLink) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.paused {
		return nil
	}
	if err := o.send(CommandResume, ""); err != nil {
		return err
	}
	o.paused = false
	o.reason = ""

	log.Info().Msg("Linked operations resumed")
	return nil
}

// Paused reports whether linked operations are paused and why
func (o *OperationsLink) Paused() (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused, o.reason
}

// ReportPosture fills the operations field
func (o *OperationsLink) ReportPosture(p *threat.Posture) {
	p.OperationsPaused, _ = o.Paused()
}

func (o *OperationsLink) send(command, reason string) error {
	if o.conn == nil {
		return nil
	}
	return (&Publisher{conn: o.conn}).publish(SubjectOperations, OperationsCommand{
		Command:   command,
		Reason:    reason,
		Timestamp: time.Now().Unix(),
	})
}
