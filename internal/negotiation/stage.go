// Package negotiation holds the deal negotiation domain model: threads, drafts,
// strategies, simulations, action requests, owner policy, and the stage machine
// that governs how a thread may move between stages.
package negotiation

import (
	"errors"
	"fmt"
)

// Stage is the position of a thread in the negotiation pipeline
type Stage string

const (
	StageNew              Stage = "new"
	StageClassified       Stage = "classified"
	StageExtracted        Stage = "extracted"
	StageStrategized      Stage = "strategized"
	StageAwaitingDecision Stage = "awaiting-decision"
	StageApproved         Stage = "approved"
	StageSent             Stage = "sent"
	StageRejected         Stage = "rejected"

	// StageSilent is entered by the silence sweep and left when the
	// counterparty replies; the stage it interrupted is kept as the prior stage.
	StageSilent Stage = "silent"

	StageClosedWon  Stage = "closed-won"
	StageClosedLost Stage = "closed-lost"
)

// AllStages returns every stage in pipeline order
func AllStages() []Stage {
	return []Stage{
		StageNew, StageClassified, StageExtracted, StageStrategized,
		StageAwaitingDecision, StageApproved, StageSent, StageRejected,
		StageSilent, StageClosedWon, StageClosedLost,
	}
}

// NonTerminalStages returns every stage a thread can still progress from
func NonTerminalStages() []Stage {
	out := make([]Stage, 0, len(AllStages()))
	for _, s := range AllStages() {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, known := range AllStages() {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s closes the thread.
func (s Stage) Terminal() bool {
	return s == StageClosedWon || s == StageClosedLost
}

// AwaitsCounterparty reports whether a thread in s is waiting on the other
// side, which is when the silence sweep may act on it. Threads waiting on an
// operator decision or on our own delivery are not silent.
func (s Stage) AwaitsCounterparty() bool {
	switch s {
	case StageAwaitingDecision, StageApproved:
		return false
	}
	return !s.Terminal()
}

// ErrIllegalTransition is returned when a proposed stage change is not allowed
var ErrIllegalTransition = errors.New("illegal stage transition")

// forward lists the pipeline edges. Edges into silent and the closed stages
// are implied for every non-terminal stage and are not listed here.
var forward = map[Stage][]Stage{
	StageNew:              {StageClassified},
	StageClassified:       {StageExtracted},
	StageExtracted:        {StageStrategized},
	StageStrategized:      {StageAwaitingDecision},
	StageAwaitingDecision: {StageApproved, StageRejected},
	StageApproved:         {StageSent},
	StageRejected:         {StageExtracted},
	StageSent:             {StageClassified, StageAwaitingDecision},
}

// CanTransition reports whether a thread may move from one stage to another.
// Staying in the same non-terminal stage is allowed (a message absorbed
// mid-pipeline). Terminal stages only move through Reopen.
func CanTransition(from, to Stage) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	if to == StageSilent || to.Terminal() {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrIllegalTransition, wrapped with the stages
// involved, when CanTransition is false.
func ValidateTransition(from, to Stage) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ValidateReopen checks the explicit reopen path out of a terminal stage.
func ValidateReopen(from, to Stage) error {
	if !from.Terminal() || to != StageExtracted {
		return fmt.Errorf("%w: reopen %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ResumeStage returns the stage a silent thread goes back to when the
// counterparty replies. Threads with no usable prior stage resume at sent,
// which is where a reply is normally expected.
func ResumeStage(prior Stage) Stage {
	if !prior.Valid() || prior.Terminal() || prior == StageSilent {
		return StageSent
	}
	return prior
}
