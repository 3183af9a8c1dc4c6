// Package audit provides a tamper-evident hash chain for append-only
// logs. Each entry's hash covers its payload, timestamp and the previous
// entry's hash, so any retroactive edit breaks the chain.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LogEntry is a single chained entry.
type LogEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger appends entries to a hash chain. Safe for concurrent use.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
}

// NewChainLogger starts a fresh chain anchored at the zero hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{previousHash: strings.Repeat("0", 64)}
}

// NewChainLoggerFrom continues a chain whose head hash was persisted
// elsewhere. An empty seed starts a fresh chain.
func NewChainLoggerFrom(seed string) *ChainLogger {
	if seed == "" {
		return NewChainLogger()
	}
	return &ChainLogger{previousHash: seed}
}

// Append adds a new entry and advances the chain head.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload)
	c.previousHash = entry.Hash
	return entry
}

// Head returns the current chain head hash.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

// VerifyChain reports whether entries form an unbroken, correctly
// hashed chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return false
		}
		if entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return false
		}
	}
	return true
}

func entryHash(prev, ts, payload string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", prev, ts, payload)))
	return hex.EncodeToString(sum[:])
}
