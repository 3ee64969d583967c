package escrow

import "errors"

var (
	// ErrInvalidMilestoneSet marks malformed milestone definitions at project
	// creation: mismatched lengths, an empty set, or a non-positive amount.
	ErrInvalidMilestoneSet = errors.New("escrow: invalid milestone set")
	// ErrAmountMismatch is returned when the deposit differs from the sum of
	// the milestone amounts.
	ErrAmountMismatch = errors.New("escrow: deposit does not match milestone total")
	// ErrUnauthorized is returned when a release decision does not come from
	// the bound oracle.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrAlreadyCompleted is returned when the milestone already received a
	// verdict.
	ErrAlreadyCompleted = errors.New("escrow: milestone already completed")
	// ErrNotFound is returned for unknown projects or milestone indexes.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidEvidence marks empty or oversized evidence references.
	ErrInvalidEvidence = errors.New("escrow: invalid evidence reference")
	// ErrInvalidVerdict marks verdicts outside the supported outcomes.
	ErrInvalidVerdict = errors.New("escrow: invalid verdict")
	// ErrInvalidOracle is returned when the engine is constructed without an
	// oracle identity.
	ErrInvalidOracle = errors.New("escrow: oracle identity required")
	// ErrInvalidAmount marks amounts that cannot be parsed into wei.
	ErrInvalidAmount = errors.New("escrow: invalid amount")

	errNilState = errors.New("escrow: state not configured")
)
