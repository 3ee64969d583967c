package escrow

import (
	"encoding/hex"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"opticgov/core/types"
)

const (
	EventTypeProjectCreated    = "escrow.project.created"
	EventTypeEvidenceSubmitted = "escrow.evidence.submitted"
	EventTypeMilestoneReleased = "escrow.milestone.released"
	EventTypeMilestoneRejected = "escrow.milestone.rejected"
)

// ProjectCreated is emitted once the deposit is locked and all milestones are
// stored.
type ProjectCreated struct {
	ProjectID   uint64
	Funder      common.Address
	Contractor  common.Address
	TotalLocked *uint256.Int
	Milestones  int
}

// EventType implements events.Event.
func (e ProjectCreated) EventType() string { return EventTypeProjectCreated }

// Event returns the canonical attribute payload.
func (e ProjectCreated) Event() *types.Event {
	return &types.Event{Type: EventTypeProjectCreated, Attributes: map[string]string{
		"projectId":   strconv.FormatUint(e.ProjectID, 10),
		"funder":      e.Funder.Hex(),
		"contractor":  e.Contractor.Hex(),
		"totalLocked": amountString(e.TotalLocked),
		"milestones":  strconv.Itoa(e.Milestones),
	}}
}

// EvidenceSubmitted records an evidence reference appended to a milestone.
type EvidenceSubmitted struct {
	ProjectID      uint64
	MilestoneIndex int
	Reference      string
	Submitter      common.Address
	Sequence       uint64
	Digest         [32]byte
}

// EventType implements events.Event.
func (e EvidenceSubmitted) EventType() string { return EventTypeEvidenceSubmitted }

// Event returns the canonical attribute payload.
func (e EvidenceSubmitted) Event() *types.Event {
	return &types.Event{Type: EventTypeEvidenceSubmitted, Attributes: map[string]string{
		"projectId":      strconv.FormatUint(e.ProjectID, 10),
		"milestoneIndex": strconv.Itoa(e.MilestoneIndex),
		"reference":      e.Reference,
		"submitter":      e.Submitter.Hex(),
		"sequence":       strconv.FormatUint(e.Sequence, 10),
		"digest":         "0x" + hex.EncodeToString(e.Digest[:]),
	}}
}

// ReleaseDecision is the externally visible trace of an oracle verdict.
// Recipient and Amount are only populated for approvals.
type ReleaseDecision struct {
	ProjectID      uint64
	MilestoneIndex int
	Verdict        Verdict
	Recipient      common.Address
	Amount         *uint256.Int
}

// EventType implements events.Event.
func (d ReleaseDecision) EventType() string {
	if d.Verdict == VerdictApproved {
		return EventTypeMilestoneReleased
	}
	return EventTypeMilestoneRejected
}

// Event returns the canonical attribute payload.
func (d ReleaseDecision) Event() *types.Event {
	attrs := map[string]string{
		"projectId":      strconv.FormatUint(d.ProjectID, 10),
		"milestoneIndex": strconv.Itoa(d.MilestoneIndex),
		"verdict":        d.Verdict.String(),
	}
	if d.Verdict == VerdictApproved {
		attrs["recipient"] = d.Recipient.Hex()
		attrs["amount"] = amountString(d.Amount)
	}
	return &types.Event{Type: d.EventType(), Attributes: attrs}
}
