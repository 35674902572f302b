// Package cache holds the volatile state that lives outside the relational
// store: game-creation proposals awaiting confirmation, per-message vote
// tallies, and one-time web-start tokens. The aggregate is in-memory with a
// disk-backed dump (cache.json) written through delayed coalescing flushes.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/taleforge/ai/metrics"
)

const (
	// DefaultPendingTimeout is how long a game-creation proposal stays
	// valid before it expires.
	DefaultPendingTimeout = 300 * time.Second

	// voteEntryTTL is how long a vote entry survives after its last
	// mutation.
	voteEntryTTL = 24 * time.Hour

	// voteSweepInterval bounds how often the opportunistic sweep runs.
	voteSweepInterval = time.Hour

	// startTokenTTL is the lifetime of a one-time web-start token.
	startTokenTTL = 600 * time.Second

	// flushDelay is how long a non-forced save may sit before the
	// coalesced flush fires.
	flushDelay = 500 * time.Millisecond
)

// PendingGame is a game-creation proposal awaiting the originator's
// confirmation reaction, keyed by the bot-posted preview message id.
type PendingGame struct {
	UserID       string
	SystemPrompt string
	MessageID    string
	CreateTime   time.Time
}

// voteEntry is the tally state of one message: emoji id -> set of voters,
// plus the lazily fetched message content for custom inputs.
type voteEntry struct {
	content   *string
	votes     map[string]map[string]struct{}
	timestamp time.Time
}

type startToken struct {
	groupID    string
	userID     string
	createTime time.Time
}

// VolatileCache is the in-memory aggregate. Two locks guard it: mu for all
// state mutation, ioMu for file I/O. The only legal nesting order is
// mu -> ioMu; flushes snapshot under mu, release it, then write under ioMu.
type VolatileCache struct {
	path     string
	exporter *metrics.Exporter

	mu      sync.Mutex
	pending map[string]PendingGame
	votes   map[string]map[string]*voteEntry // group -> message -> entry
	tokens  map[string]startToken

	loaded        bool
	lastVoteSweep time.Time

	// Flush state, guarded by mu. dirty marks state that has not reached
	// disk; flushTimer is the armed coalesced flush, nil when none.
	dirty      bool
	flushTimer *time.Timer
	closed     bool

	ioMu sync.Mutex
}

// New creates a cache persisting to path. Call Load before use and Close
// on shutdown.
func New(path string, exporter *metrics.Exporter) *VolatileCache {
	return &VolatileCache{
		path:     path,
		exporter: exporter,
		pending:  make(map[string]PendingGame),
		votes:    make(map[string]map[string]*voteEntry),
		tokens:   make(map[string]startToken),
	}
}

// AddPendingGame registers a proposal under the preview message id.
func (c *VolatileCache) AddPendingGame(previewMessageID string, p PendingGame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.CreateTime.IsZero() {
		p.CreateTime = time.Now().UTC()
	}
	c.pending[previewMessageID] = p
	c.markDirtyLocked()
}

// GetPendingGame looks up a proposal by preview message id.
func (c *VolatileCache) GetPendingGame(previewMessageID string) (PendingGame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[previewMessageID]
	return p, ok
}

// RemovePendingGame drops a proposal. Reports whether it existed.
func (c *VolatileCache) RemovePendingGame(previewMessageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[previewMessageID]; !ok {
		return false
	}
	delete(c.pending, previewMessageID)
	c.markDirtyLocked()
	return true
}

// CleanupExpiredPending atomically removes every proposal older than
// timeout and returns the removed preview message ids, so a racing
// reaction on one of them observes its removal.
func (c *VolatileCache) CleanupExpiredPending(timeout time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	var removed []string
	for id, p := range c.pending {
		if p.CreateTime.Before(cutoff) {
			delete(c.pending, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		c.markDirtyLocked()
	}
	return removed
}

// RecordVote applies one reaction event to the message's tally. Adding the
// same (emoji, user) twice is a no-op; removing restores the prior state.
func (c *VolatileCache) RecordVote(groupID, messageID, emojiID, userID string, isAdd bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.voteEntryLocked(groupID, messageID)
	voters, ok := entry.votes[emojiID]
	if !ok {
		if !isAdd {
			entry.timestamp = time.Now().UTC()
			return
		}
		voters = make(map[string]struct{})
		entry.votes[emojiID] = voters
	}
	if isAdd {
		voters[userID] = struct{}{}
	} else {
		delete(voters, userID)
		if len(voters) == 0 {
			delete(entry.votes, emojiID)
		}
	}
	entry.timestamp = time.Now().UTC()
	c.exporter.RecordVote()
	c.maybeSweepVotesLocked()
	c.markDirtyLocked()
}

// SetMessageContent stores the lazily fetched text of a custom-input
// message.
func (c *VolatileCache) SetMessageContent(groupID, messageID, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.voteEntryLocked(groupID, messageID)
	entry.content = &content
	entry.timestamp = time.Now().UTC()
	c.markDirtyLocked()
}

// GetMessageContent returns the cached text of a message, if any.
func (c *VolatileCache) GetMessageContent(groupID, messageID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.votes[groupID]
	if !ok {
		return "", false
	}
	entry, ok := group[messageID]
	if !ok || entry.content == nil {
		return "", false
	}
	return *entry.content, true
}

// MessageVotes returns a snapshot of one message's tally: fresh maps and
// sets, shared strings. Nil when the message has no entry.
func (c *VolatileCache) MessageVotes(groupID, messageID string) map[string]map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.votes[groupID]
	if !ok {
		return nil
	}
	entry, ok := group[messageID]
	if !ok {
		return nil
	}
	return copyVotes(entry.votes)
}

// GroupVotes returns a snapshot of every tallied message in the group.
func (c *VolatileCache) GroupVotes(groupID string) map[string]map[string]map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.votes[groupID]
	if !ok {
		return nil
	}
	snapshot := make(map[string]map[string]map[string]struct{}, len(group))
	for messageID, entry := range group {
		snapshot[messageID] = copyVotes(entry.votes)
	}
	return snapshot
}

// RemoveMessageVotes drops one message's tally.
func (c *VolatileCache) RemoveMessageVotes(groupID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	group, ok := c.votes[groupID]
	if !ok {
		return
	}
	if _, ok := group[messageID]; !ok {
		return
	}
	delete(group, messageID)
	if len(group) == 0 {
		delete(c.votes, groupID)
	}
	c.markDirtyLocked()
}

// ClearGroupVotes drops every tally in the group. Called when a round is
// published: the old main and its custom inputs no longer matter.
func (c *VolatileCache) ClearGroupVotes(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.votes[groupID]; !ok {
		return
	}
	delete(c.votes, groupID)
	c.markDirtyLocked()
}

// SweepVotes removes every vote entry untouched for longer than 24h and
// returns the number removed. The cron scheduler calls this hourly; vote
// mutations also trigger it opportunistically, at most once per hour.
func (c *VolatileCache) SweepVotes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepVotesLocked()
}

func (c *VolatileCache) maybeSweepVotesLocked() {
	if time.Since(c.lastVoteSweep) < voteSweepInterval {
		return
	}
	c.sweepVotesLocked()
}

func (c *VolatileCache) sweepVotesLocked() int {
	c.lastVoteSweep = time.Now()
	cutoff := time.Now().UTC().Add(-voteEntryTTL)
	removed := 0
	for groupID, group := range c.votes {
		for messageID, entry := range group {
			if entry.timestamp.Before(cutoff) {
				delete(group, messageID)
				removed++
			}
		}
		if len(group) == 0 {
			delete(c.votes, groupID)
		}
	}
	if removed > 0 {
		slog.Info("swept expired vote entries", "removed", removed)
		c.markDirtyLocked()
	}
	return removed
}

// MintStartToken issues a one-time token binding a web-submitted scenario
// draft to its originating group and user. Tokens are memory-only.
func (c *VolatileCache) MintStartToken(groupID, userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropExpiredTokensLocked()
	token := shortuuid.New()
	c.tokens[token] = startToken{groupID: groupID, userID: userID, createTime: time.Now().UTC()}
	return token
}

// ConsumeStartToken redeems a token, removing it on success.
func (c *VolatileCache) ConsumeStartToken(token string) (groupID, userID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropExpiredTokensLocked()
	t, found := c.tokens[token]
	if !found {
		return "", "", false
	}
	delete(c.tokens, token)
	return t.groupID, t.userID, true
}

func (c *VolatileCache) dropExpiredTokensLocked() {
	cutoff := time.Now().UTC().Add(-startTokenTTL)
	for token, t := range c.tokens {
		if t.createTime.Before(cutoff) {
			delete(c.tokens, token)
		}
	}
}

func (c *VolatileCache) voteEntryLocked(groupID, messageID string) *voteEntry {
	group, ok := c.votes[groupID]
	if !ok {
		group = make(map[string]*voteEntry)
		c.votes[groupID] = group
	}
	entry, ok := group[messageID]
	if !ok {
		entry = &voteEntry{
			votes:     make(map[string]map[string]struct{}),
			timestamp: time.Now().UTC(),
		}
		group[messageID] = entry
	}
	return entry
}

func copyVotes(votes map[string]map[string]struct{}) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(votes))
	for emojiID, voters := range votes {
		set := make(map[string]struct{}, len(voters))
		for userID := range voters {
			set[userID] = struct{}{}
		}
		out[emojiID] = set
	}
	return out
}
