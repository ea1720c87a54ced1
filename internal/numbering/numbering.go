package numbering

import (
	"context"
	"fmt"
)

const creditNoteSequence = "credit_note"

type sequencer interface {
	NextSequence(ctx context.Context, orgID string, name string) (int64, error)
}

// Sequence hands out per-organization document numbers.
type Sequence struct {
	repo   sequencer
	prefix string
}

func New(repo sequencer) *Sequence {
	return &Sequence{repo: repo, prefix: "NC"}
}

func (s *Sequence) NextCreditNoteNumber(ctx context.Context, orgID string) (string, error) {
	n, err := s.repo.NextSequence(ctx, orgID, creditNoteSequence)
	if err != nil {
		return "", fmt.Errorf("next %s sequence: %w", creditNoteSequence, err)
	}
	return fmt.Sprintf("%s-%06d", s.prefix, n), nil
}
