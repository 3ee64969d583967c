package escrowd

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"opticgov/native/escrow"
)

// MilestoneRequest describes one tranche in a create-project request.
// Amount is denominated in ether.
type MilestoneRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// CreateProjectRequest is the body of POST /api/v1/projects. The caller is
// the funder; Deposit (in ether) must equal the sum of milestone amounts.
type CreateProjectRequest struct {
	Contractor string             `json:"contractor"`
	Milestones []MilestoneRequest `json:"milestones"`
	Deposit    string             `json:"deposit"`
}

// CreateProjectResponse is returned on successful creation.
type CreateProjectResponse struct {
	ProjectID uint64 `json:"projectId"`
}

// EvidenceRequest is the body of the evidence endpoint.
type EvidenceRequest struct {
	Reference string `json:"reference"`
}

// ReleaseRequest carries the oracle verdict.
type ReleaseRequest struct {
	Approved *bool `json:"approved"`
}

// EvidenceView is the JSON rendering of an evidence entry.
type EvidenceView struct {
	Sequence    uint64 `json:"sequence"`
	Reference   string `json:"reference"`
	Submitter   string `json:"submitter"`
	SubmittedAt int64  `json:"submittedAt"`
	Digest      string `json:"digest"`
}

// MilestoneView is the JSON rendering of a milestone.
type MilestoneView struct {
	Index       int            `json:"index"`
	Amount      string         `json:"amount"`
	AmountWei   string         `json:"amountWei"`
	Description string         `json:"description"`
	State       string         `json:"state"`
	ResolvedAt  int64          `json:"resolvedAt,omitempty"`
	Evidence    []EvidenceView `json:"evidence"`
}

// ProjectView is the JSON rendering of a project snapshot with its summary.
type ProjectView struct {
	ID          uint64          `json:"id"`
	Funder      string          `json:"funder"`
	Contractor  string          `json:"contractor"`
	TotalLocked string          `json:"totalLocked"`
	Released    string          `json:"released"`
	Locked      string          `json:"locked"`
	Progress    float64         `json:"progress"`
	CreatedAt   int64           `json:"createdAt"`
	Milestones  []MilestoneView `json:"milestones"`
}

// DecisionView is the JSON rendering of a release decision.
type DecisionView struct {
	ProjectID      uint64 `json:"projectId"`
	MilestoneIndex int    `json:"milestoneIndex"`
	Verdict        string `json:"verdict"`
	Recipient      string `json:"recipient,omitempty"`
	Amount         string `json:"amount,omitempty"`
}

// BalanceView reports an account balance.
type BalanceView struct {
	Address    string `json:"address"`
	Balance    string `json:"balance"`
	BalanceWei string `json:"balanceWei"`
}

// EvidenceReceipt is returned after an evidence submission.
type EvidenceReceipt struct {
	ProjectID      uint64 `json:"projectId"`
	MilestoneIndex int    `json:"milestoneIndex"`
	Sequence       uint64 `json:"sequence"`
	Reference      string `json:"reference"`
	Digest         string `json:"digest"`
}

func newProjectView(p *escrow.Project) ProjectView {
	view := ProjectView{
		ID:          p.ID,
		Funder:      p.Funder.Hex(),
		Contractor:  p.Contractor.Hex(),
		TotalLocked: escrow.FormatEther(p.TotalLocked),
		Released:    escrow.FormatEther(p.Released),
		Locked:      escrow.FormatEther(p.Locked()),
		Progress:    p.Progress(),
		CreatedAt:   p.CreatedAt,
		Milestones:  make([]MilestoneView, 0, len(p.Milestones)),
	}
	for _, m := range p.Milestones {
		mv := MilestoneView{
			Index:       m.Index,
			Amount:      escrow.FormatEther(m.Amount),
			AmountWei:   m.Amount.Dec(),
			Description: m.Description,
			State:       m.State.String(),
			ResolvedAt:  m.ResolvedAt,
			Evidence:    make([]EvidenceView, 0, len(m.Evidence)),
		}
		for _, e := range m.Evidence {
			mv.Evidence = append(mv.Evidence, EvidenceView{
				Sequence:    e.Sequence,
				Reference:   e.Reference,
				Submitter:   e.Submitter.Hex(),
				SubmittedAt: e.SubmittedAt,
				Digest:      digestHex(e.Digest),
			})
		}
		view.Milestones = append(view.Milestones, mv)
	}
	return view
}

func newDecisionView(d *escrow.ReleaseDecision) DecisionView {
	view := DecisionView{
		ProjectID:      d.ProjectID,
		MilestoneIndex: d.MilestoneIndex,
		Verdict:        d.Verdict.String(),
	}
	if d.Amount != nil {
		view.Recipient = d.Recipient.Hex()
		view.Amount = escrow.FormatEther(d.Amount)
	}
	return view
}

// ToProject converts a view back into a snapshot, e.g. for client-side
// evidence verification.
func (v ProjectView) ToProject() (*escrow.Project, error) {
	total, err := escrow.ParseEther(v.TotalLocked)
	if err != nil {
		return nil, err
	}
	released, err := escrow.ParseEther(v.Released)
	if err != nil {
		return nil, err
	}
	project := &escrow.Project{
		ID:          v.ID,
		Funder:      common.HexToAddress(v.Funder),
		Contractor:  common.HexToAddress(v.Contractor),
		TotalLocked: total,
		Released:    released,
		CreatedAt:   v.CreatedAt,
	}
	for _, mv := range v.Milestones {
		amount, err := uint256.FromDecimal(mv.AmountWei)
		if err != nil {
			return nil, fmt.Errorf("milestone %d amount: %w", mv.Index, err)
		}
		state, err := parseState(mv.State)
		if err != nil {
			return nil, err
		}
		m := &escrow.Milestone{
			Index:       mv.Index,
			Amount:      amount,
			Description: mv.Description,
			State:       state,
			ResolvedAt:  mv.ResolvedAt,
		}
		for _, ev := range mv.Evidence {
			digest, err := parseDigest(ev.Digest)
			if err != nil {
				return nil, err
			}
			m.Evidence = append(m.Evidence, &escrow.EvidenceEntry{
				Sequence:    ev.Sequence,
				Reference:   ev.Reference,
				Submitter:   common.HexToAddress(ev.Submitter),
				SubmittedAt: ev.SubmittedAt,
				Digest:      digest,
			})
		}
		project.Milestones = append(project.Milestones, m)
	}
	return project, nil
}

func parseState(raw string) (escrow.MilestoneState, error) {
	for _, s := range []escrow.MilestoneState{escrow.MilestoneOpen, escrow.MilestoneReleased, escrow.MilestoneRejected} {
		if s.String() == raw {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown milestone state %q", raw)
}

func digestHex(d [32]byte) string {
	return "0x" + hex.EncodeToString(d[:])
}

func parseDigest(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(trimHexPrefix(raw))
	if err != nil || len(decoded) != len(out) {
		return out, fmt.Errorf("invalid digest %q", raw)
	}
	copy(out[:], decoded)
	return out, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
