package escrow

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func sampleProject() *Project {
	return &Project{
		Funder:      testFunder,
		Contractor:  testContractor,
		TotalLocked: uint256.NewInt(30),
		Released:    uint256.NewInt(0),
		Milestones: []*Milestone{
			{Index: 0, Amount: uint256.NewInt(10), State: MilestoneOpen},
			{Index: 1, Amount: uint256.NewInt(20), State: MilestoneOpen},
		},
	}
}

func TestSanitizeProject(t *testing.T) {
	if _, err := SanitizeProject(sampleProject()); err != nil {
		t.Fatalf("sanitize: %v", err)
	}

	mismatch := sampleProject()
	mismatch.TotalLocked = uint256.NewInt(31)
	if _, err := SanitizeProject(mismatch); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}

	badIndex := sampleProject()
	badIndex.Milestones[1].Index = 5
	if _, err := SanitizeProject(badIndex); !errors.Is(err, ErrInvalidMilestoneSet) {
		t.Fatalf("expected ErrInvalidMilestoneSet, got %v", err)
	}

	overReleased := sampleProject()
	overReleased.Released = uint256.NewInt(31)
	if _, err := SanitizeProject(overReleased); err == nil {
		t.Fatalf("expected released above locked to fail")
	}
}

func TestProjectSummary(t *testing.T) {
	p := sampleProject()
	p.Released = uint256.NewInt(10)
	p.Milestones[0].State = MilestoneReleased
	if !p.Locked().Eq(uint256.NewInt(20)) {
		t.Fatalf("expected 20 locked, got %s", p.Locked().Dec())
	}
	if p.Resolved() != 1 || p.Progress() != 0.5 {
		t.Fatalf("unexpected progress %d/%f", p.Resolved(), p.Progress())
	}
}

func TestDebitLockedBounds(t *testing.T) {
	p := sampleProject()
	released, err := DebitLocked(p, uint256.NewInt(30))
	if err != nil || !released.Eq(uint256.NewInt(30)) {
		t.Fatalf("expected full debit, got %v (%v)", released, err)
	}
	p.Released = released
	if _, err := DebitLocked(p, uint256.NewInt(1)); err == nil {
		t.Fatalf("expected debit beyond locked to fail")
	}
	if _, err := DebitLocked(p, uint256.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected zero payout rejected, got %v", err)
	}
}

func TestParseVerdict(t *testing.T) {
	for raw, want := range map[string]Verdict{"approved": VerdictApproved, "REJECT": VerdictRejected, " release ": VerdictApproved} {
		got, err := ParseVerdict(raw)
		if err != nil || got != want {
			t.Fatalf("%q: expected %s, got %s (%v)", raw, want, got, err)
		}
	}
	if _, err := ParseVerdict("maybe"); !errors.Is(err, ErrInvalidVerdict) {
		t.Fatalf("expected ErrInvalidVerdict, got %v", err)
	}
	if VerdictFromApproval(false) != VerdictRejected {
		t.Fatalf("false must map to rejection")
	}
}
