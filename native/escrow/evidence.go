package escrow

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"lukechampine.com/blake3"
)

// MaxEvidenceReferenceLength caps the size of a single evidence reference.
const MaxEvidenceReferenceLength = 512

// EvidenceLog accepts audit references for milestones. It never reads or
// writes milestone state and applies no access control.
type EvidenceLog struct {
	state State
	nowFn func() int64
}

// NewEvidenceLog wires an evidence log to the state backend.
func NewEvidenceLog(state State) *EvidenceLog {
	return &EvidenceLog{
		state: state,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used for submission timestamps.
func (l *EvidenceLog) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// Submit appends reference to the milestone's evidence chain.
func (l *EvidenceLog) Submit(ctx context.Context, caller common.Address, projectID uint64, index int, reference string) (*EvidenceSubmitted, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("%w: reference required", ErrInvalidEvidence)
	}
	if len(reference) > MaxEvidenceReferenceLength {
		return nil, fmt.Errorf("%w: reference exceeds %d bytes", ErrInvalidEvidence, MaxEvidenceReferenceLength)
	}
	submittedAt := l.nowFn()
	entry, err := l.state.AppendEvidence(ctx, projectID, index, func(seq uint64, prev [32]byte) (*EvidenceEntry, error) {
		return &EvidenceEntry{
			Sequence:    seq,
			Reference:   reference,
			Submitter:   caller,
			SubmittedAt: submittedAt,
			Digest:      EvidenceDigest(prev, projectID, index, seq, caller, reference),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &EvidenceSubmitted{
		ProjectID:      projectID,
		MilestoneIndex: index,
		Reference:      entry.Reference,
		Submitter:      entry.Submitter,
		Sequence:       entry.Sequence,
		Digest:         entry.Digest,
	}, nil
}

// EvidenceDigest links an evidence entry to its predecessor. The encoding is
// length-delimited so distinct inputs cannot collide by concatenation.
func EvidenceDigest(prev [32]byte, projectID uint64, index int, seq uint64, submitter common.Address, reference string) [32]byte {
	buf := bytes.NewBuffer(make([]byte, 0, 32+8+4+8+20+4+len(reference)))
	buf.Write(prev[:])
	_ = binary.Write(buf, binary.BigEndian, projectID)
	_ = binary.Write(buf, binary.BigEndian, uint32(index))
	_ = binary.Write(buf, binary.BigEndian, seq)
	buf.Write(submitter.Bytes())
	_ = binary.Write(buf, binary.BigEndian, uint32(len(reference)))
	buf.WriteString(reference)
	return blake3.Sum256(buf.Bytes())
}

// VerifyEvidence recomputes every milestone's evidence chain and reports the
// first entry whose digest or sequence does not match.
func VerifyEvidence(project *Project) error {
	if project == nil {
		return fmt.Errorf("%w: project nil", ErrNotFound)
	}
	for _, m := range project.Milestones {
		if m == nil {
			continue
		}
		var prev [32]byte
		for i, entry := range m.Evidence {
			if entry == nil {
				return fmt.Errorf("escrow: project %d milestone %d evidence %d missing", project.ID, m.Index, i)
			}
			if entry.Sequence != uint64(i) {
				return fmt.Errorf("escrow: project %d milestone %d evidence %d has sequence %d", project.ID, m.Index, i, entry.Sequence)
			}
			want := EvidenceDigest(prev, project.ID, m.Index, entry.Sequence, entry.Submitter, entry.Reference)
			if want != entry.Digest {
				return fmt.Errorf("escrow: project %d milestone %d evidence %d digest mismatch", project.ID, m.Index, i)
			}
			prev = entry.Digest
		}
	}
	return nil
}
