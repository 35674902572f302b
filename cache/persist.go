package cache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// On-disk form of cache.json. Vote sets serialize as sorted lists and
// timestamps as RFC 3339 UTC strings; Load rebuilds the in-memory forms.
type dumpFile struct {
	PendingNewGames map[string]dumpPending              `json:"pending_new_games"`
	VoteCache       map[string]map[string]dumpVoteEntry `json:"vote_cache"`
}

type dumpPending struct {
	UserID       string `json:"user_id"`
	SystemPrompt string `json:"system_prompt"`
	MessageID    string `json:"message_id"`
	CreateTime   string `json:"create_time"`
}

type dumpVoteEntry struct {
	Content   *string             `json:"content,omitempty"`
	Votes     map[string][]string `json:"votes"`
	Timestamp string              `json:"timestamp,omitempty"`
}

// Load reads the dump file into memory. One-shot: a second call logs and
// returns. A missing file is a clean first start.
func (c *VolatileCache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		slog.Warn("volatile cache already loaded, ignoring repeat load", "path", c.path)
		return nil
	}
	c.loaded = true

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("no volatile cache dump found, starting empty", "path", c.path)
			return nil
		}
		return err
	}

	var dump dumpFile
	if err := json.Unmarshal(data, &dump); err != nil {
		return err
	}

	for previewID, p := range dump.PendingNewGames {
		createTime, err := time.Parse(time.RFC3339, p.CreateTime)
		if err != nil {
			slog.Warn("dropping pending game with bad create_time", "preview_message_id", previewID, "error", err)
			continue
		}
		c.pending[previewID] = PendingGame{
			UserID:       p.UserID,
			SystemPrompt: p.SystemPrompt,
			MessageID:    p.MessageID,
			CreateTime:   createTime,
		}
	}

	for groupID, group := range dump.VoteCache {
		for messageID, de := range group {
			entry := c.voteEntryLocked(groupID, messageID)
			entry.content = de.Content
			for emojiID, voters := range de.Votes {
				set := make(map[string]struct{}, len(voters))
				for _, userID := range voters {
					set[userID] = struct{}{}
				}
				entry.votes[emojiID] = set
			}
			if de.Timestamp != "" {
				if ts, err := time.Parse(time.RFC3339, de.Timestamp); err == nil {
					entry.timestamp = ts
				}
			}
		}
	}

	slog.Info("volatile cache loaded",
		"pending", len(c.pending),
		"vote_groups", len(c.votes))
	return nil
}

// Save requests persistence. Non-forced saves coalesce: the first arms a
// deferred flush ~500ms out and later ones ride along. A forced save
// cancels any armed flush and writes synchronously.
func (c *VolatileCache) Save(force bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !force {
		c.markDirtyLocked()
		c.mu.Unlock()
		return
	}
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.dirty = false
	dump := c.snapshotLocked()
	c.mu.Unlock()

	c.writeDump(dump, true)
}

// Close drains the armed flush, performs a final write for any
// indicated-but-unscheduled save, and stops accepting new ones.
func (c *VolatileCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	needsWrite := c.dirty
	c.dirty = false
	var dump *dumpFile
	if needsWrite {
		dump = c.snapshotLocked()
	}
	c.mu.Unlock()

	if dump != nil {
		c.writeDump(dump, true)
	}
}

// markDirtyLocked notes unsaved state and arms the coalesced flush if none
// is pending. Caller holds mu.
func (c *VolatileCache) markDirtyLocked() {
	c.dirty = true
	if c.flushTimer != nil || c.closed {
		return
	}
	c.flushTimer = time.AfterFunc(flushDelay, c.flush)
}

func (c *VolatileCache) flush() {
	c.mu.Lock()
	c.flushTimer = nil
	if c.closed || !c.dirty {
		c.mu.Unlock()
		return
	}
	c.dirty = false
	dump := c.snapshotLocked()
	c.mu.Unlock()

	c.writeDump(dump, false)
}

// snapshotLocked builds the serializable dump. Caller holds mu; the
// snapshot lets writeDump run under ioMu alone.
func (c *VolatileCache) snapshotLocked() *dumpFile {
	dump := &dumpFile{
		PendingNewGames: make(map[string]dumpPending, len(c.pending)),
		VoteCache:       make(map[string]map[string]dumpVoteEntry, len(c.votes)),
	}
	for previewID, p := range c.pending {
		dump.PendingNewGames[previewID] = dumpPending{
			UserID:       p.UserID,
			SystemPrompt: p.SystemPrompt,
			MessageID:    p.MessageID,
			CreateTime:   p.CreateTime.UTC().Format(time.RFC3339),
		}
	}
	for groupID, group := range c.votes {
		dumpGroup := make(map[string]dumpVoteEntry, len(group))
		for messageID, entry := range group {
			votes := make(map[string][]string, len(entry.votes))
			for emojiID, voters := range entry.votes {
				list := make([]string, 0, len(voters))
				for userID := range voters {
					list = append(list, userID)
				}
				sort.Strings(list)
				votes[emojiID] = list
			}
			dumpGroup[messageID] = dumpVoteEntry{
				Content:   entry.content,
				Votes:     votes,
				Timestamp: entry.timestamp.UTC().Format(time.RFC3339),
			}
		}
		dump.VoteCache[groupID] = dumpGroup
	}
	return dump
}

func (c *VolatileCache) writeDump(dump *dumpFile, forced bool) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		slog.Error("failed to marshal volatile cache dump", "error", err)
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".cache-*.json")
	if err != nil {
		slog.Error("failed to create volatile cache temp file", "error", err)
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		slog.Error("failed to write volatile cache dump", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		slog.Error("failed to close volatile cache temp file", "error", err)
		return
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		slog.Error("failed to replace volatile cache dump", "error", err)
		return
	}
	c.exporter.RecordCacheFlush(forced)
}
