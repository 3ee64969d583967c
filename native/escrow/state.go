package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EvidenceBuilder constructs the next evidence entry from the sequence number
// and the digest of the previous entry. State backends invoke it while holding
// the milestone's write lock so the chain cannot fork.
type EvidenceBuilder func(sequence uint64, prev [32]byte) (*EvidenceEntry, error)

// State is the persistence backend behind the ledger. Implementations must
// make every method atomic: a concurrent reader observes either the previous
// or the complete new record.
type State interface {
	// InsertProject assigns the next project identifier and stores the
	// project together with all of its milestones.
	InsertProject(ctx context.Context, project *Project) (uint64, error)
	// GetProject returns a deep copy of the project or ErrNotFound.
	GetProject(ctx context.Context, id uint64) (*Project, error)
	// ListProjects returns the projects matching the filter ordered by id.
	ListProjects(ctx context.Context, filter ProjectFilter) ([]*Project, error)
	// TransitionMilestone performs a compare-and-set on the milestone state.
	// It returns ErrNotFound for unknown targets and ErrAlreadyCompleted when
	// the current state differs from `from`.
	TransitionMilestone(ctx context.Context, id uint64, index int, from, to MilestoneState, at int64) error
	// AppendEvidence appends the entry produced by build to the milestone.
	AppendEvidence(ctx context.Context, id uint64, index int, build EvidenceBuilder) (*EvidenceEntry, error)
	// Payout moves an open milestone to MilestoneReleased, debits its amount
	// from the project's locked balance and credits recipient in a single
	// step. It returns ErrAlreadyCompleted when the milestone is not open and
	// leaves everything unchanged on any error.
	Payout(ctx context.Context, id uint64, index int, recipient common.Address, at int64) error
	// Balance returns the credited balance of the account.
	Balance(ctx context.Context, addr common.Address) (*uint256.Int, error)
}

// MemState is an in-memory State guarded by a single mutex. It backs tests and
// embedded deployments that do not need durability.
type MemState struct {
	mu       sync.RWMutex
	projects []*Project
	balances map[common.Address]*uint256.Int
}

// NewMemState returns an empty in-memory state.
func NewMemState() *MemState {
	return &MemState{balances: make(map[common.Address]*uint256.Int)}
}

// InsertProject implements State.
func (s *MemState) InsertProject(_ context.Context, project *Project) (uint64, error) {
	sanitized, err := SanitizeProject(project)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uint64(len(s.projects))
	sanitized.ID = id
	s.projects = append(s.projects, sanitized)
	return id, nil
}

// GetProject implements State.
func (s *MemState) GetProject(_ context.Context, id uint64) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return project.Clone(), nil
}

// ListProjects implements State.
func (s *MemState) ListProjects(_ context.Context, filter ProjectFilter) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Project, 0, len(s.projects))
	for _, project := range s.projects {
		if filter.Matches(project) {
			out = append(out, project.Clone())
		}
	}
	return out, nil
}

// TransitionMilestone implements State.
func (s *MemState) TransitionMilestone(_ context.Context, id uint64, index int, from, to MilestoneState, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	milestone, err := s.lookupMilestone(id, index)
	if err != nil {
		return err
	}
	if milestone.State != from {
		return fmt.Errorf("%w: project %d milestone %d is %s", ErrAlreadyCompleted, id, index, milestone.State)
	}
	milestone.State = to
	milestone.ResolvedAt = at
	return nil
}

// AppendEvidence implements State.
func (s *MemState) AppendEvidence(_ context.Context, id uint64, index int, build EvidenceBuilder) (*EvidenceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	milestone, err := s.lookupMilestone(id, index)
	if err != nil {
		return nil, err
	}
	entry, err := build(uint64(len(milestone.Evidence)), milestone.LastDigest())
	if err != nil {
		return nil, err
	}
	milestone.Evidence = append(milestone.Evidence, entry.Clone())
	return entry, nil
}

// Payout implements State.
func (s *MemState) Payout(ctx context.Context, id uint64, index int, recipient common.Address, at int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	project, err := s.lookup(id)
	if err != nil {
		return err
	}
	milestone, ok := project.Milestone(index)
	if !ok {
		return fmt.Errorf("%w: project %d milestone %d", ErrNotFound, id, index)
	}
	if milestone.State != MilestoneOpen {
		return fmt.Errorf("%w: project %d milestone %d is %s", ErrAlreadyCompleted, id, index, milestone.State)
	}
	released, err := DebitLocked(project, milestone.Amount)
	if err != nil {
		return err
	}
	balance := cloneAmount(s.balances[recipient])
	if _, overflow := balance.AddOverflow(balance, milestone.Amount); overflow {
		return fmt.Errorf("escrow: balance overflow for %s", recipient.Hex())
	}
	milestone.State = MilestoneReleased
	milestone.ResolvedAt = at
	project.Released = released
	s.balances[recipient] = balance
	return nil
}

// Balance implements State.
func (s *MemState) Balance(_ context.Context, addr common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAmount(s.balances[addr]), nil
}

func (s *MemState) lookup(id uint64) (*Project, error) {
	if id >= uint64(len(s.projects)) {
		return nil, fmt.Errorf("%w: project %d", ErrNotFound, id)
	}
	return s.projects[id], nil
}

func (s *MemState) lookupMilestone(id uint64, index int) (*Milestone, error) {
	project, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	milestone, ok := project.Milestone(index)
	if !ok {
		return nil, fmt.Errorf("%w: project %d milestone %d", ErrNotFound, id, index)
	}
	return milestone, nil
}

// DebitLocked returns the project's released total after paying amount,
// refusing to release more than was locked. State backends share it so the
// bound is enforced identically everywhere.
func DebitLocked(project *Project, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: payout must be positive", ErrInvalidAmount)
	}
	released := cloneAmount(project.Released)
	if _, overflow := released.AddOverflow(released, amount); overflow || released.Gt(project.TotalLocked) {
		return nil, fmt.Errorf("escrow: payout of %s exceeds locked balance of project %d", amount.Dec(), project.ID)
	}
	return released, nil
}
