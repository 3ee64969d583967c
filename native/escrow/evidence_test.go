package escrow

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSubmitEvidenceChainsDigests(t *testing.T) {
	engine, _ := newTestEngine(t, NewMemState())
	ctx := context.Background()
	id := createHalves(t, engine)

	first, err := engine.SubmitEvidence(ctx, testContractor, id, 1, "  ipfs://report-1  ")
	if err != nil {
		t.Fatalf("first evidence: %v", err)
	}
	if first.Reference != "  ipfs://report-1  " {
		t.Fatalf("expected reference kept verbatim, got %q", first.Reference)
	}
	second, err := engine.SubmitEvidence(ctx, testStranger, id, 1, "ipfs://report-2")
	if err != nil {
		t.Fatalf("second evidence: %v", err)
	}
	if first.Sequence != 0 || second.Sequence != 1 {
		t.Fatalf("unexpected sequences %d, %d", first.Sequence, second.Sequence)
	}
	want := EvidenceDigest(first.Digest, id, 1, 1, testStranger, "ipfs://report-2")
	if second.Digest != want {
		t.Fatalf("second digest does not chain to the first")
	}

	project, _ := engine.Project(ctx, id)
	if len(project.Milestones[0].Evidence) != 0 {
		t.Fatalf("evidence leaked into sibling milestone")
	}
	if len(project.Milestones[1].Evidence) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(project.Milestones[1].Evidence))
	}
	if got := project.Milestones[1].Evidence[0].Reference; got != "  ipfs://report-1  " {
		t.Fatalf("expected stored reference kept verbatim, got %q", got)
	}
	if project.Milestones[1].Evidence[0].SubmittedAt != 1_700_000_000 {
		t.Fatalf("unexpected submission time %d", project.Milestones[1].Evidence[0].SubmittedAt)
	}
	if err := VerifyEvidence(project); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyEvidenceDetectsTampering(t *testing.T) {
	engine, _ := newTestEngine(t, NewMemState())
	ctx := context.Background()
	id := createHalves(t, engine)
	for _, ref := range []string{"a", "b", "c"} {
		if _, err := engine.SubmitEvidence(ctx, testContractor, id, 0, ref); err != nil {
			t.Fatalf("evidence %s: %v", ref, err)
		}
	}
	project, _ := engine.Project(ctx, id)
	project.Milestones[0].Evidence[1].Reference = "forged"
	if err := VerifyEvidence(project); err == nil {
		t.Fatalf("expected tampered reference to fail verification")
	}

	project, _ = engine.Project(ctx, id)
	project.Milestones[0].Evidence = project.Milestones[0].Evidence[1:]
	if err := VerifyEvidence(project); err == nil {
		t.Fatalf("expected truncated chain to fail verification")
	}
}

func TestSubmitEvidenceValidation(t *testing.T) {
	engine, recorder := newTestEngine(t, NewMemState())
	ctx := context.Background()
	id := createHalves(t, engine)

	cases := []struct {
		name    string
		project uint64
		index   int
		ref     string
		wantErr error
	}{
		{"empty", id, 0, "   ", ErrInvalidEvidence},
		{"oversized", id, 0, strings.Repeat("x", MaxEvidenceReferenceLength+1), ErrInvalidEvidence},
		{"unknown project", id + 5, 0, "ref", ErrNotFound},
		{"unknown milestone", id, 9, "ref", ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.SubmitEvidence(ctx, testStranger, tc.project, tc.index, tc.ref); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
	if len(recorder.Events) != 1 {
		t.Fatalf("failed submissions emitted events: %v", recorder.Types())
	}
}

func TestEvidenceDigestIsLengthDelimited(t *testing.T) {
	var prev [32]byte
	a := EvidenceDigest(prev, 1, 0, 0, testContractor, "ab")
	b := EvidenceDigest(prev, 1, 0, 0, testContractor, "a")
	if a == b {
		t.Fatalf("distinct references share a digest")
	}
	if a != EvidenceDigest(prev, 1, 0, 0, testContractor, "ab") {
		t.Fatalf("digest not deterministic")
	}
}
