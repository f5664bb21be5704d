package lifecycle

import (
	"errors"
	"fmt"

	"report-verify-pipeline/models"
)

// ActorKind separates the automated pipeline from administrative overrides.
type ActorKind int

const (
	ActorSystem ActorKind = iota
	ActorAdmin
)

func (k ActorKind) String() string {
	if k == ActorAdmin {
		return "admin"
	}
	return "system"
}

// ErrAlreadyApplied is returned when a report is already in the requested state.
// Callers treat it as a no-op: no timeline entry is written.
var ErrAlreadyApplied = errors.New("transition already applied")

// InconsistentStateError is returned for a transition out of a terminal state.
type InconsistentStateError struct {
	From models.Status
	To   models.Status
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("report is in terminal state %s, cannot move to %s", e.From, e.To)
}

// InvalidTransitionError is returned for transitions outside the state table.
type InvalidTransitionError struct {
	From  models.Status
	To    models.Status
	Actor ActorKind
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s is not allowed for %s actor", e.From, e.To, e.Actor)
}

type edge struct {
	from models.Status
	to   models.Status
}

// automated transitions made by the verification pipeline.
var systemEdges = map[edge]bool{
	{models.StatusPendingVerification, models.StatusVerified}:  true,
	{models.StatusPendingVerification, models.StatusRejected}:  true,
	{models.StatusPendingVerification, models.StatusDuplicate}: true,
	{models.StatusPendingVerification, models.StatusFlagged}:   true,
}

// administrative transitions made through ForceTransition.
var adminEdges = map[edge]bool{
	{models.StatusFlagged, models.StatusVerified}:            true,
	{models.StatusFlagged, models.StatusRejected}:            true,
	{models.StatusFlagged, models.StatusPendingVerification}: true,
	{models.StatusVerified, models.StatusInProgress}:         true,
	{models.StatusVerified, models.StatusResolved}:           true,
	{models.StatusInProgress, models.StatusResolved}:         true,
	{models.StatusPendingVerification, models.StatusFlagged}: true,
	// Appeals.
	{models.StatusDuplicate, models.StatusVerified}: true,
	{models.StatusRejected, models.StatusVerified}:  true,
}

// Check validates a transition. It returns nil, ErrAlreadyApplied,
// *InconsistentStateError or *InvalidTransitionError.
func Check(from, to models.Status, actor ActorKind) error {
	if from == to {
		return ErrAlreadyApplied
	}
	e := edge{from, to}
	switch actor {
	case ActorAdmin:
		if adminEdges[e] {
			return nil
		}
	default:
		if systemEdges[e] {
			return nil
		}
	}
	if from.IsTerminal() {
		return &InconsistentStateError{From: from, To: to}
	}
	return &InvalidTransitionError{From: from, To: to, Actor: actor}
}

// Event names the timeline event recorded when a report enters a state.
func Event(to models.Status) string {
	switch to {
	case models.StatusPendingVerification:
		return "requeued"
	case models.StatusVerified:
		return "verified"
	case models.StatusRejected:
		return "rejected"
	case models.StatusDuplicate:
		return "duplicate"
	case models.StatusFlagged:
		return "flagged"
	case models.StatusInProgress:
		return "in_progress"
	case models.StatusResolved:
		return "resolved"
	}
	return "status_changed"
}

// EventCreated is the first timeline entry of every report.
const EventCreated = "created"

// ValidateTimeline checks that the trail starts with a creation entry and that
// its last entry is consistent with the current status.
func ValidateTimeline(status models.Status, timeline []models.TimelineEntry) error {
	if len(timeline) == 0 {
		return errors.New("timeline is empty")
	}
	if timeline[0].Event != EventCreated {
		return fmt.Errorf("timeline starts with %q, want %q", timeline[0].Event, EventCreated)
	}
	last := timeline[len(timeline)-1].Event
	if status == models.StatusPendingVerification {
		if last != EventCreated && last != Event(models.StatusPendingVerification) {
			return fmt.Errorf("pending report ends with %q", last)
		}
		return nil
	}
	if last != Event(status) {
		return fmt.Errorf("status %s but last timeline event is %q", status, last)
	}
	for i := 1; i < len(timeline); i++ {
		if timeline[i].Timestamp.Before(timeline[i-1].Timestamp) {
			return fmt.Errorf("timeline entry %d precedes entry %d", i, i-1)
		}
	}
	return nil
}
