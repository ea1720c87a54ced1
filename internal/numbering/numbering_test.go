package numbering

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/settlement/internal/store/memory"
)

func TestCreditNoteNumbersArePerOrg(t *testing.T) {
	ctx := context.Background()
	seq := New(memory.New())

	first, err := seq.NextCreditNoteNumber(ctx, "org-a")
	require.NoError(t, err)
	second, err := seq.NextCreditNoteNumber(ctx, "org-a")
	require.NoError(t, err)
	other, err := seq.NextCreditNoteNumber(ctx, "org-b")
	require.NoError(t, err)

	assert.Equal(t, "NC-000001", first)
	assert.Equal(t, "NC-000002", second)
	assert.Equal(t, "NC-000001", other)
}

func TestCreditNoteNumberNeedsOrg(t *testing.T) {
	_, err := New(memory.New()).NextCreditNoteNumber(context.Background(), "")
	assert.Error(t, err)
}
