package audit

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainLoggerAppend(t *testing.T) {
	logger := NewChainLogger()

	first := logger.Append("first event")
	second := logger.Append("second event")
	third := logger.Append("third event")

	assert.Equal(t, strings.Repeat("0", 64), first.PreviousHash)
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.Equal(t, second.Hash, third.PreviousHash)
	assert.Equal(t, third.Hash, logger.Head())

	assert.True(t, VerifyChain([]*LogEntry{first, second, third}))
}

func TestChainLoggerDetectsTampering(t *testing.T) {
	logger := NewChainLogger()
	entries := []*LogEntry{
		logger.Append("a"),
		logger.Append("b"),
		logger.Append("c"),
	}
	require.True(t, VerifyChain(entries))

	entries[1].Payload = "b-altered"
	assert.False(t, VerifyChain(entries))
}

func TestChainLoggerDetectsBrokenLink(t *testing.T) {
	logger := NewChainLogger()
	entries := []*LogEntry{
		logger.Append("a"),
		logger.Append("b"),
	}
	entries[1].PreviousHash = strings.Repeat("f", 64)
	assert.False(t, VerifyChain(entries))
}

func TestChainLoggerFromSeed(t *testing.T) {
	first := NewChainLogger()
	entry := first.Append("persisted before restart")

	resumed := NewChainLoggerFrom(entry.Hash)
	next := resumed.Append("appended after restart")

	assert.Equal(t, entry.Hash, next.PreviousHash)
	assert.True(t, VerifyChain([]*LogEntry{entry, next}))
}

func TestChainLoggerFromEmptySeed(t *testing.T) {
	logger := NewChainLoggerFrom("")
	assert.Equal(t, strings.Repeat("0", 64), logger.Head())
}
