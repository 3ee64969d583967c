package escrow

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"opticgov/core/events"
)

const tracerName = "opticgov/native/escrow"

// Engine is the single entry point for escrow operations. It gates release
// decisions behind the oracle identity bound at construction and drives the
// milestone state machine on top of the ledger. The engine never holds funds.
type Engine struct {
	oracle   common.Address
	ledger   *Ledger
	evidence *EvidenceLog
	emitter  events.Emitter
	tracer   trace.Tracer
}

// Option customises the engine instance.
type Option func(*Engine)

// WithEmitter configures the event emitter. Passing nil keeps the no-op
// emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithClock sets the unix-seconds time source used by the ledger and the
// evidence log.
func WithClock(now func() int64) Option {
	return func(e *Engine) {
		e.ledger.SetNowFunc(now)
		e.evidence.SetNowFunc(now)
	}
}

// WithTracer overrides the tracer used for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// NewEngine binds the oracle identity and wires the ledger and evidence log to
// the supplied state backend. The oracle cannot be changed afterwards.
func NewEngine(oracle common.Address, state State, opts ...Option) (*Engine, error) {
	if oracle == (common.Address{}) {
		return nil, ErrInvalidOracle
	}
	if state == nil {
		return nil, errNilState
	}
	engine := &Engine{
		oracle:   oracle,
		ledger:   NewLedger(state),
		evidence: NewEvidenceLog(state),
		emitter:  events.NoopEmitter{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Oracle returns the bound oracle identity.
func (e *Engine) Oracle() common.Address { return e.oracle }

// Ledger exposes the underlying ledger for read-only queries.
func (e *Engine) Ledger() *Ledger { return e.ledger }

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// CreateProject locks deposit under a new project funded by funder with one
// milestone per amount/description pair.
func (e *Engine) CreateProject(ctx context.Context, funder, contractor common.Address, amounts []*uint256.Int, descriptions []string, deposit *uint256.Int) (uint64, error) {
	ctx, span := e.tracer.Start(ctx, "escrow.CreateProject", trace.WithAttributes(
		attribute.String("escrow.funder", funder.Hex()),
		attribute.Int("escrow.milestones", len(amounts)),
	))
	defer span.End()
	project, err := e.ledger.CreateProject(ctx, funder, contractor, amounts, descriptions, deposit)
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("escrow.project_id", int64(project.ID)))
	e.emit(ProjectCreated{
		ProjectID:   project.ID,
		Funder:      project.Funder,
		Contractor:  project.Contractor,
		TotalLocked: project.TotalLocked.Clone(),
		Milestones:  len(project.Milestones),
	})
	return project.ID, nil
}

// SubmitEvidence appends an evidence reference to the milestone. Any caller
// may submit, regardless of the milestone state.
func (e *Engine) SubmitEvidence(ctx context.Context, caller common.Address, projectID uint64, index int, reference string) (*EvidenceSubmitted, error) {
	ctx, span := e.tracer.Start(ctx, "escrow.SubmitEvidence", trace.WithAttributes(
		attribute.Int64("escrow.project_id", int64(projectID)),
		attribute.Int("escrow.milestone_index", index),
	))
	defer span.End()
	evt, err := e.evidence.Submit(ctx, caller, projectID, index, reference)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	e.emit(*evt)
	return evt, nil
}

// ReleaseMilestone applies the oracle's verdict to an open milestone.
//
// The state flip is a compare-and-set committed in the same state step as the
// payout, so a concurrent or re-entrant call observes a resolved milestone and
// fails with ErrAlreadyCompleted. A failed payout leaves the milestone open and
// emits no decision.
func (e *Engine) ReleaseMilestone(ctx context.Context, caller common.Address, projectID uint64, index int, verdict Verdict) (*ReleaseDecision, error) {
	ctx, span := e.tracer.Start(ctx, "escrow.ReleaseMilestone", trace.WithAttributes(
		attribute.Int64("escrow.project_id", int64(projectID)),
		attribute.Int("escrow.milestone_index", index),
		attribute.String("escrow.verdict", verdict.String()),
	))
	defer span.End()
	decision, err := e.releaseMilestone(ctx, caller, projectID, index, verdict)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return decision, nil
}

func (e *Engine) releaseMilestone(ctx context.Context, caller common.Address, projectID uint64, index int, verdict Verdict) (*ReleaseDecision, error) {
	if caller != e.oracle {
		return nil, fmt.Errorf("%w: %s is not the oracle", ErrUnauthorized, caller.Hex())
	}
	if !verdict.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVerdict, verdict)
	}
	project, err := e.ledger.Project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	milestone, ok := project.Milestone(index)
	if !ok {
		return nil, fmt.Errorf("%w: project %d milestone %d", ErrNotFound, projectID, index)
	}
	if milestone.State != MilestoneOpen {
		return nil, fmt.Errorf("%w: project %d milestone %d is %s", ErrAlreadyCompleted, projectID, index, milestone.State)
	}
	decision := &ReleaseDecision{
		ProjectID:      projectID,
		MilestoneIndex: index,
		Verdict:        verdict,
	}
	if verdict == VerdictApproved {
		if err := e.ledger.payout(ctx, projectID, index, project.Contractor); err != nil {
			return nil, err
		}
		decision.Recipient = project.Contractor
		decision.Amount = milestone.Amount.Clone()
	} else if err := e.ledger.transition(ctx, projectID, index, MilestoneOpen, verdict.target()); err != nil {
		return nil, err
	}
	e.emit(*decision)
	return decision, nil
}

// Project returns a read-only snapshot of the project.
func (e *Engine) Project(ctx context.Context, id uint64) (*Project, error) {
	return e.ledger.Project(ctx, id)
}

// Projects lists project snapshots matching the filter.
func (e *Engine) Projects(ctx context.Context, filter ProjectFilter) ([]*Project, error) {
	return e.ledger.Projects(ctx, filter)
}

// Balance returns the value credited to addr by milestone payouts.
func (e *Engine) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return e.ledger.Balance(ctx, addr)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
