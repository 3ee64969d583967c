package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxMilestones bounds the number of tranches a single project may define.
const MaxMilestones = 256

// Ledger owns per-project fund accounting. It is the only component that
// locks value at creation and releases it at payout.
type Ledger struct {
	state State
	nowFn func() int64
}

// NewLedger wires a ledger to the supplied state backend.
func NewLedger(state State) *Ledger {
	return &Ledger{
		state: state,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

// CreateProject validates the milestone set against the deposit and locks the
// deposit under a new project. Either every milestone is stored and the value
// locked, or nothing is.
func (l *Ledger) CreateProject(ctx context.Context, funder, contractor common.Address, amounts []*uint256.Int, descriptions []string, deposit *uint256.Int) (*Project, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	if len(amounts) == 0 {
		return nil, fmt.Errorf("%w: at least one milestone required", ErrInvalidMilestoneSet)
	}
	if len(amounts) != len(descriptions) {
		return nil, fmt.Errorf("%w: %d amounts but %d descriptions", ErrInvalidMilestoneSet, len(amounts), len(descriptions))
	}
	if len(amounts) > MaxMilestones {
		return nil, fmt.Errorf("%w: %d milestones exceeds limit of %d", ErrInvalidMilestoneSet, len(amounts), MaxMilestones)
	}
	if contractor == (common.Address{}) {
		return nil, fmt.Errorf("%w: contractor address required", ErrInvalidMilestoneSet)
	}
	milestones := make([]*Milestone, len(amounts))
	for i, amt := range amounts {
		if amt == nil || amt.IsZero() {
			return nil, fmt.Errorf("%w: milestone %d amount must be positive", ErrInvalidMilestoneSet, i)
		}
		milestones[i] = &Milestone{
			Index:       i,
			Amount:      amt.Clone(),
			Description: descriptions[i],
			State:       MilestoneOpen,
		}
	}
	total, overflow := SumAmounts(amounts)
	if overflow {
		return nil, fmt.Errorf("%w: milestone total overflows", ErrInvalidMilestoneSet)
	}
	if deposit == nil || !deposit.Eq(total) {
		return nil, fmt.Errorf("%w: deposited %s, milestones total %s", ErrAmountMismatch, amountString(deposit), total.Dec())
	}
	project := &Project{
		Funder:      funder,
		Contractor:  contractor,
		TotalLocked: total,
		Released:    uint256.NewInt(0),
		CreatedAt:   l.now(),
		Milestones:  milestones,
	}
	id, err := l.state.InsertProject(ctx, project)
	if err != nil {
		return nil, err
	}
	project.ID = id
	return project, nil
}

// Project returns a read-only snapshot of the project.
func (l *Ledger) Project(ctx context.Context, id uint64) (*Project, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.GetProject(ctx, id)
}

// Projects lists projects matching the filter.
func (l *Ledger) Projects(ctx context.Context, filter ProjectFilter) ([]*Project, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.ListProjects(ctx, filter)
}

// Balance returns the value paid out to the account so far.
func (l *Ledger) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.Balance(ctx, addr)
}

func (l *Ledger) transition(ctx context.Context, id uint64, index int, from, to MilestoneState) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	return l.state.TransitionMilestone(ctx, id, index, from, to, l.now())
}

// payout releases an open milestone and transfers its tranche to the
// recipient as one state step.
func (l *Ledger) payout(ctx context.Context, id uint64, index int, recipient common.Address) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	return l.state.Payout(ctx, id, index, recipient, l.now())
}
