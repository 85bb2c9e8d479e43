// Package conflict scans an owner's active threads for deals that cannot all
// be honored: competing exclusivity terms and deliverables of the same type
// due close together. Reports are advisory and never change thread state.
package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

// Kind classifies a conflict
type Kind string

const (
	KindExclusivity         Kind = "EXCLUSIVITY"
	KindDeliverableOverload Kind = "DELIVERABLE_OVERLOAD"
)

// Severity ranks how urgently an operator should look at a conflict
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// DefaultWindow is how close two due dates of the same deliverable type must
// be to count as an overload.
const DefaultWindow = 7 * 24 * time.Hour

// Subject is one thread with its current draft.
type Subject struct {
	Thread *negotiation.Thread
	Draft  *negotiation.DealDraft
}

// Conflict is a pairwise finding between two threads. ThreadIDs are ordered.
type Conflict struct {
	Kind            Kind      `json:"kind"`
	Severity        Severity  `json:"severity"`
	ThreadIDs       [2]string `json:"thread_ids"`
	Counterparties  [2]string `json:"counterparties"`
	DeliverableType string    `json:"deliverable_type,omitempty"`
	Detail          string    `json:"detail"`
}

// Report is the persisted result of one scan of an owner's threads.
type Report struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	GeneratedAt time.Time  `json:"generated_at"`
	ThreadCount int        `json:"thread_count"`
	Conflicts   []Conflict `json:"conflicts"`
}

// Detector finds conflicts between threads.
type Detector struct {
	window time.Duration
}

// NewDetector returns a detector using the given overload window. A
// non-positive window falls back to DefaultWindow.
func NewDetector(window time.Duration) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Detector{window: window}
}

// Window returns the deliverable overload window.
func (d *Detector) Window() time.Duration { return d.window }

// Detect compares every pair of subjects and returns all conflicts found.
// Every applicable kind is reported for a pair. Output order is
// deterministic: pairs by thread ID, then kind, then deliverable type.
// Subjects without a thread or a draft are ignored.
func (d *Detector) Detect(subjects []Subject) []Conflict {
	usable := make([]Subject, 0, len(subjects))
	for _, s := range subjects {
		if s.Thread != nil && s.Draft != nil {
			usable = append(usable, s)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Thread.ID < usable[j].Thread.ID
	})

	var out []Conflict
	for i := 0; i < len(usable); i++ {
		for j := i + 1; j < len(usable); j++ {
			out = append(out, d.comparePair(usable[i], usable[j])...)
		}
	}
	return out
}

// Scan filters subjects down to the owner's active threads, runs Detect, and
// wraps the result in a report.
func (d *Detector) Scan(ownerID string, subjects []Subject, now time.Time) *Report {
	var mine []Subject
	for _, s := range subjects {
		if s.Thread != nil && s.Thread.OwnerID == ownerID && s.Thread.Active() {
			mine = append(mine, s)
		}
	}
	conflicts := d.Detect(mine)
	if conflicts == nil {
		conflicts = []Conflict{}
	}
	return &Report{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		GeneratedAt: now,
		ThreadCount: len(mine),
		Conflicts:   conflicts,
	}
}

func (d *Detector) comparePair(a, b Subject) []Conflict {
	var out []Conflict
	ids := [2]string{a.Thread.ID, b.Thread.ID}
	parties := [2]string{a.Thread.Counterparty, b.Thread.Counterparty}

	if a.Draft.HasExclusivity() && b.Draft.HasExclusivity() &&
		negotiation.NormalizeCounterparty(a.Thread.Counterparty) != negotiation.NormalizeCounterparty(b.Thread.Counterparty) {
		out = append(out, Conflict{
			Kind:           KindExclusivity,
			Severity:       SeverityHigh,
			ThreadIDs:      ids,
			Counterparties: parties,
			Detail: fmt.Sprintf("exclusivity with %q (%s) and %q (%s)",
				a.Thread.Counterparty, a.Draft.Exclusivity.Category,
				b.Thread.Counterparty, b.Draft.Exclusivity.Category),
		})
	}

	for _, typ := range sharedTypes(a.Draft, b.Draft) {
		gap, ok := d.closestDue(a.Draft, b.Draft, typ)
		if !ok {
			continue
		}
		out = append(out, Conflict{
			Kind:            KindDeliverableOverload,
			Severity:        SeverityMedium,
			ThreadIDs:       ids,
			Counterparties:  parties,
			DeliverableType: typ,
			Detail:          fmt.Sprintf("%s deliverables due %s apart", typ, gap),
		})
	}
	return out
}

// sharedTypes returns the sorted deliverable types present in both drafts.
func sharedTypes(a, b *negotiation.DealDraft) []string {
	inA := make(map[string]bool)
	for _, del := range a.Deliverables {
		inA[del.Type] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, del := range b.Deliverables {
		if inA[del.Type] && !seen[del.Type] {
			seen[del.Type] = true
			out = append(out, del.Type)
		}
	}
	sort.Strings(out)
	return out
}

// closestDue returns the smallest gap between due dates of typ across the two
// drafts, if it falls inside the window. Undated deliverables are skipped.
func (d *Detector) closestDue(a, b *negotiation.DealDraft, typ string) (time.Duration, bool) {
	best := time.Duration(-1)
	for _, x := range a.Deliverables {
		if x.Type != typ || x.DueAt.IsZero() {
			continue
		}
		for _, y := range b.Deliverables {
			if y.Type != typ || y.DueAt.IsZero() {
				continue
			}
			gap := x.DueAt.Sub(y.DueAt)
			if gap < 0 {
				gap = -gap
			}
			if best < 0 || gap < best {
				best = gap
			}
		}
	}
	return best, best >= 0 && best <= d.window
}
