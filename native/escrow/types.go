package escrow

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MilestoneState represents the lifecycle of a single milestone tranche.
type MilestoneState uint8

const (
	// MilestoneOpen marks a tranche that is locked and awaiting an oracle
	// verdict.
	MilestoneOpen MilestoneState = iota
	// MilestoneReleased marks a tranche that has been paid to the contractor.
	MilestoneReleased
	// MilestoneRejected marks a tranche the oracle refused. Its value stays
	// locked in escrow.
	MilestoneRejected
)

// Valid reports whether the state value is within the supported range.
func (s MilestoneState) Valid() bool {
	switch s {
	case MilestoneOpen, MilestoneReleased, MilestoneRejected:
		return true
	default:
		return false
	}
}

// Resolved reports whether the oracle has already decided the milestone.
func (s MilestoneState) Resolved() bool {
	return s == MilestoneReleased || s == MilestoneRejected
}

func (s MilestoneState) String() string {
	switch s {
	case MilestoneOpen:
		return "open"
	case MilestoneReleased:
		return "released"
	case MilestoneRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Verdict is the oracle's decision on a milestone.
type Verdict uint8

const (
	verdictUnspecified Verdict = iota
	// VerdictApproved releases the tranche to the contractor.
	VerdictApproved
	// VerdictRejected closes the tranche without moving value.
	VerdictRejected
)

// VerdictFromApproval maps the boolean approve/reject flag used by external
// callers onto a Verdict.
func VerdictFromApproval(approved bool) Verdict {
	if approved {
		return VerdictApproved
	}
	return VerdictRejected
}

// Valid reports whether the verdict is one of the supported outcomes.
func (v Verdict) Valid() bool {
	return v == VerdictApproved || v == VerdictRejected
}

func (v Verdict) String() string {
	switch v {
	case VerdictApproved:
		return "approved"
	case VerdictRejected:
		return "rejected"
	default:
		return "unspecified"
	}
}

// ParseVerdict accepts the canonical verdict names.
func ParseVerdict(raw string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved", "approve", "release":
		return VerdictApproved, nil
	case "rejected", "reject":
		return VerdictRejected, nil
	default:
		return verdictUnspecified, fmt.Errorf("%w: %q", ErrInvalidVerdict, raw)
	}
}

func (v Verdict) target() MilestoneState {
	if v == VerdictApproved {
		return MilestoneReleased
	}
	return MilestoneRejected
}

// EvidenceEntry is a single audit reference attached to a milestone.
type EvidenceEntry struct {
	Sequence    uint64
	Reference   string
	Submitter   common.Address
	SubmittedAt int64
	Digest      [32]byte
}

// Clone returns a copy of the entry.
func (e *EvidenceEntry) Clone() *EvidenceEntry {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// Milestone captures a fixed-value tranche owned by a project.
type Milestone struct {
	Index       int
	Amount      *uint256.Int
	Description string
	State       MilestoneState
	ResolvedAt  int64
	Evidence    []*EvidenceEntry
}

// Clone returns a deep copy of the milestone to avoid callers mutating shared
// state.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Amount = cloneAmount(m.Amount)
	if len(m.Evidence) > 0 {
		clone.Evidence = make([]*EvidenceEntry, len(m.Evidence))
		for i, entry := range m.Evidence {
			clone.Evidence[i] = entry.Clone()
		}
	} else {
		clone.Evidence = nil
	}
	return &clone
}

// LastDigest returns the head of the milestone's evidence chain.
func (m *Milestone) LastDigest() [32]byte {
	if m == nil || len(m.Evidence) == 0 {
		return [32]byte{}
	}
	return m.Evidence[len(m.Evidence)-1].Digest
}

// Project aggregates the milestone tranches funded by a single deposit.
type Project struct {
	ID          uint64
	Funder      common.Address
	Contractor  common.Address
	TotalLocked *uint256.Int
	Released    *uint256.Int
	CreatedAt   int64
	Milestones  []*Milestone
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalLocked = cloneAmount(p.TotalLocked)
	clone.Released = cloneAmount(p.Released)
	if len(p.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(p.Milestones))
		for i, m := range p.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	return &clone
}

// Milestone returns the milestone at the supplied index.
func (p *Project) Milestone(index int) (*Milestone, bool) {
	if p == nil || index < 0 || index >= len(p.Milestones) {
		return nil, false
	}
	m := p.Milestones[index]
	return m, m != nil
}

// Locked returns the value still held in escrow for the project. Rejected
// tranches remain part of it.
func (p *Project) Locked() *uint256.Int {
	if p == nil {
		return uint256.NewInt(0)
	}
	total := cloneAmount(p.TotalLocked)
	released := cloneAmount(p.Released)
	if total.Lt(released) {
		return uint256.NewInt(0)
	}
	return total.Sub(total, released)
}

// Resolved counts the milestones that have received a verdict.
func (p *Project) Resolved() int {
	if p == nil {
		return 0
	}
	count := 0
	for _, m := range p.Milestones {
		if m != nil && m.State.Resolved() {
			count++
		}
	}
	return count
}

// Progress returns the resolved share of milestones in the range [0, 1].
func (p *Project) Progress() float64 {
	if p == nil || len(p.Milestones) == 0 {
		return 0
	}
	return float64(p.Resolved()) / float64(len(p.Milestones))
}

// ProjectFilter narrows project listings. Zero addresses match every project.
type ProjectFilter struct {
	Funder     common.Address
	Contractor common.Address
}

// Matches reports whether the project satisfies the filter.
func (f ProjectFilter) Matches(p *Project) bool {
	if p == nil {
		return false
	}
	if f.Funder != (common.Address{}) && p.Funder != f.Funder {
		return false
	}
	if f.Contractor != (common.Address{}) && p.Contractor != f.Contractor {
		return false
	}
	return true
}

// SanitizeProject clones the supplied project and verifies the accounting
// invariants so state backends never persist an inconsistent record.
func SanitizeProject(p *Project) (*Project, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: project nil", ErrInvalidMilestoneSet)
	}
	clone := p.Clone()
	if len(clone.Milestones) == 0 {
		return nil, fmt.Errorf("%w: no milestones", ErrInvalidMilestoneSet)
	}
	sum := uint256.NewInt(0)
	for i, m := range clone.Milestones {
		if m == nil {
			return nil, fmt.Errorf("%w: milestone %d nil", ErrInvalidMilestoneSet, i)
		}
		if m.Index != i {
			return nil, fmt.Errorf("%w: milestone %d has index %d", ErrInvalidMilestoneSet, i, m.Index)
		}
		if m.Amount == nil || m.Amount.IsZero() {
			return nil, fmt.Errorf("%w: milestone %d amount must be positive", ErrInvalidMilestoneSet, i)
		}
		if !m.State.Valid() {
			return nil, fmt.Errorf("%w: milestone %d state %s", ErrInvalidMilestoneSet, i, m.State)
		}
		if _, overflow := sum.AddOverflow(sum, m.Amount); overflow {
			return nil, fmt.Errorf("%w: milestone total overflows", ErrInvalidMilestoneSet)
		}
	}
	if clone.TotalLocked == nil || !clone.TotalLocked.Eq(sum) {
		return nil, fmt.Errorf("%w: locked %s, milestones %s", ErrAmountMismatch, amountString(clone.TotalLocked), sum.Dec())
	}
	if clone.Released == nil {
		clone.Released = uint256.NewInt(0)
	}
	if clone.Released.Gt(clone.TotalLocked) {
		return nil, fmt.Errorf("escrow: released %s exceeds locked %s", clone.Released.Dec(), clone.TotalLocked.Dec())
	}
	return clone, nil
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return v.Clone()
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
