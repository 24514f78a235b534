// Package fsm implements the phase state machine and the engine that drives
// projects through it: transitions, control signals, the quality gate, and
// checkpointing after every mutation.
package fsm

import (
	"errors"
	"fmt"
	"time"

	"conductor/pkg/eventlog"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// ErrInvalidTransition indicates a phase change not allowed by the mode's
// transition table.
var ErrInvalidTransition = errors.New("invalid phase transition")

// TransitionTable maps each phase to its legal successors. The first entry
// is the default forward path.
type TransitionTable map[proto.Phase][]proto.Phase

var fullTrack = TransitionTable{
	proto.PhaseInit:     {proto.PhaseDiscover},
	proto.PhaseDiscover: {proto.PhaseReview},
	proto.PhaseReview:   {proto.PhaseExecute},
	proto.PhaseExecute:  {proto.PhaseValidate},
	proto.PhaseValidate: {proto.PhaseComplete, proto.PhaseExecute},
	proto.PhaseComplete: {},
}

// The lightweight track skips planning. ESCALATE promotes a project into the
// full track by switching its mode, so DISCOVER onward follows fullTrack.
var lightTrack = TransitionTable{
	proto.PhaseInit:     {proto.PhaseExecute},
	proto.PhaseExecute:  {proto.PhaseComplete, proto.PhaseDiscover},
	proto.PhaseComplete: {},
}

// Table returns the transition table for a mode.
func Table(mode proto.Mode) TransitionTable {
	if mode == proto.ModeLight {
		return lightTrack
	}
	return fullTrack
}

// CanTransition reports whether from -> to is legal in the mode.
func CanTransition(mode proto.Mode, from, to proto.Phase) bool {
	for _, next := range Table(mode)[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextPhase returns the default forward successor for a phase, or empty for
// terminal phases.
func NextPhase(mode proto.Mode, from proto.Phase) proto.Phase {
	successors := Table(mode)[from]
	if len(successors) == 0 {
		return ""
	}
	return successors[0]
}

// Machine applies validated transitions to projects, writing the audit
// record before the in-memory state changes. A transition that cannot be
// audited does not happen.
type Machine struct {
	audit  *eventlog.Writer
	logger *logx.Logger
}

// NewMachine creates a machine over the audit writer.
func NewMachine(audit *eventlog.Writer) *Machine {
	return &Machine{audit: audit, logger: logx.NewLogger("fsm")}
}

// Transition moves a project to the target phase. action names what drove
// the change; override marks operator-forced moves, which bypass table
// validation but are still audited.
func (m *Machine) Transition(project *proto.Project, to proto.Phase, action string, override bool, metadata map[string]any) error {
	from := project.Phase
	if !override && !CanTransition(project.Mode, from, to) {
		return fmt.Errorf("%w: %s -> %s in %s mode", ErrInvalidTransition, from, to, project.Mode)
	}

	if err := m.audit.Append(&eventlog.Event{
		ProjectID: project.ID,
		From:      from,
		To:        to,
		Action:    action,
		Override:  override,
		Metadata:  metadata,
	}); err != nil {
		return fmt.Errorf("refusing transition %s -> %s without audit record: %w", from, to, err)
	}

	project.Phase = to
	project.LastActivity = time.Now().UTC()
	m.logger.Info("Project %s: %s -> %s (%s)", project.ID, from, to, action)
	return nil
}
