package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

var base = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func subject(id, owner, counterparty string, draft *negotiation.DealDraft) Subject {
	return Subject{
		Thread: &negotiation.Thread{ID: id, OwnerID: owner, Counterparty: counterparty, Stage: negotiation.StageExtracted},
		Draft:  draft,
	}
}

func exclusive(category string) *negotiation.DealDraft {
	return &negotiation.DealDraft{Exclusivity: &negotiation.Exclusivity{Category: category}}
}

func TestDetect_ExclusivityPair(t *testing.T) {
	d := NewDetector(0)
	got := d.Detect([]Subject{
		subject("t-a", "o1", "Acme Drinks", exclusive("beverages")),
		subject("t-b", "o1", "Fizz Co", exclusive("beverages")),
	})

	require.Len(t, got, 1)
	assert.Equal(t, KindExclusivity, got[0].Kind)
	assert.Equal(t, SeverityHigh, got[0].Severity)
	assert.Equal(t, [2]string{"t-a", "t-b"}, got[0].ThreadIDs)
}

func TestDetect_SameCounterpartyNoExclusivityConflict(t *testing.T) {
	d := NewDetector(0)
	got := d.Detect([]Subject{
		subject("t-a", "o1", "Acme Drinks", exclusive("beverages")),
		subject("t-b", "o1", "  acme drinks", exclusive("beverages")),
	})
	assert.Empty(t, got)
}

func TestDetect_OnlyOneSideExclusive(t *testing.T) {
	d := NewDetector(0)
	got := d.Detect([]Subject{
		subject("t-a", "o1", "Acme", exclusive("beverages")),
		subject("t-b", "o1", "Fizz", &negotiation.DealDraft{}),
	})
	assert.Empty(t, got)
}

func TestDetect_DeliverableOverload(t *testing.T) {
	d := NewDetector(72 * time.Hour)
	a := &negotiation.DealDraft{Deliverables: []negotiation.Deliverable{
		{Type: "reel", DueAt: base},
		{Type: "reel", DueAt: base.Add(24 * time.Hour)},
		{Type: "story", DueAt: base},
	}}
	b := &negotiation.DealDraft{Deliverables: []negotiation.Deliverable{
		{Type: "reel", DueAt: base.Add(48 * time.Hour)},
		{Type: "story", DueAt: base.Add(10 * 24 * time.Hour)},
	}}

	got := d.Detect([]Subject{subject("t-a", "o1", "Acme", a), subject("t-b", "o1", "Fizz", b)})

	require.Len(t, got, 1, "one conflict per pair and type")
	assert.Equal(t, KindDeliverableOverload, got[0].Kind)
	assert.Equal(t, SeverityMedium, got[0].Severity)
	assert.Equal(t, "reel", got[0].DeliverableType)
	assert.Contains(t, got[0].Detail, "24h0m0s")
}

func TestDetect_UndatedDeliverablesIgnored(t *testing.T) {
	d := NewDetector(0)
	a := &negotiation.DealDraft{Deliverables: []negotiation.Deliverable{{Type: "reel"}}}
	b := &negotiation.DealDraft{Deliverables: []negotiation.Deliverable{{Type: "reel", DueAt: base}}}
	assert.Empty(t, d.Detect([]Subject{subject("t-a", "o1", "Acme", a), subject("t-b", "o1", "Fizz", b)}))
}

func TestDetect_ReportsAllKindsForPair(t *testing.T) {
	d := NewDetector(0)
	mk := func() *negotiation.DealDraft {
		dr := exclusive("apparel")
		dr.Deliverables = []negotiation.Deliverable{{Type: "post", DueAt: base}}
		return dr
	}
	got := d.Detect([]Subject{subject("t-b", "o1", "Fizz", mk()), subject("t-a", "o1", "Acme", mk())})

	require.Len(t, got, 2)
	assert.Equal(t, KindExclusivity, got[0].Kind)
	assert.Equal(t, KindDeliverableOverload, got[1].Kind)
	assert.Equal(t, [2]string{"t-a", "t-b"}, got[1].ThreadIDs)
}

func TestDetect_DeterministicOrder(t *testing.T) {
	d := NewDetector(0)
	subjects := []Subject{
		subject("t-c", "o1", "C", exclusive("x")),
		subject("t-a", "o1", "A", exclusive("x")),
		subject("t-b", "o1", "B", exclusive("x")),
	}
	first := d.Detect(subjects)
	require.Len(t, first, 3)
	assert.Equal(t, [2]string{"t-a", "t-b"}, first[0].ThreadIDs)
	assert.Equal(t, [2]string{"t-a", "t-c"}, first[1].ThreadIDs)
	assert.Equal(t, [2]string{"t-b", "t-c"}, first[2].ThreadIDs)

	reversed := []Subject{subjects[2], subjects[1], subjects[0]}
	assert.Equal(t, first, d.Detect(reversed))
}

func TestDetect_SkipsMissingDrafts(t *testing.T) {
	d := NewDetector(0)
	got := d.Detect([]Subject{
		subject("t-a", "o1", "A", exclusive("x")),
		{Thread: &negotiation.Thread{ID: "t-b", Counterparty: "B"}},
		{Draft: exclusive("x")},
	})
	assert.Empty(t, got)
}

func TestScan_FiltersOwnerAndClosed(t *testing.T) {
	d := NewDetector(0)
	closed := subject("t-c", "o1", "Closed Co", exclusive("x"))
	closed.Thread.Stage = negotiation.StageClosedWon

	report := d.Scan("o1", []Subject{
		subject("t-a", "o1", "A", exclusive("x")),
		subject("t-b", "o2", "B", exclusive("x")),
		closed,
	}, base)

	assert.Equal(t, "o1", report.OwnerID)
	assert.Equal(t, 1, report.ThreadCount)
	assert.NotNil(t, report.Conflicts)
	assert.Empty(t, report.Conflicts)
	assert.Equal(t, base, report.GeneratedAt)
	assert.NotEmpty(t, report.ID)
}

func TestDetect_DoesNotMutateThreads(t *testing.T) {
	d := NewDetector(0)
	a := subject("t-a", "o1", "A", exclusive("x"))
	b := subject("t-b", "o1", "B", exclusive("x"))
	before := *a.Thread
	d.Detect([]Subject{a, b})
	assert.Equal(t, before, *a.Thread)
}
