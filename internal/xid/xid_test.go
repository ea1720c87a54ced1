package xid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPrefixesAndIsUnique(t *testing.T) {
	a := New("ret")
	b := New("ret")

	assert.True(t, strings.HasPrefix(a, "ret-"))
	assert.Len(t, strings.TrimPrefix(a, "ret-"), 32)
	assert.NotEqual(t, a, b)
}

func TestNewWithoutPrefix(t *testing.T) {
	assert.Len(t, New(""), 32)
}
