package bot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChannelConfigFile is the per-channel flag file under the data dir.
const ChannelConfigFile = "channel_config.json"

type channelFlags struct {
	AdvancedMode bool `json:"advanced_mode"`
}

// ChannelConfig holds per-channel flags backed by channel_config.json.
// External edits are picked up by an fsnotify watcher; the service's own
// writes are suppressed by mtime comparison.
type ChannelConfig struct {
	path string

	mu        sync.Mutex
	flags     map[string]channelFlags
	lastWrite time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewChannelConfig loads (or initializes) the flag file and starts the
// reload watcher. Call Close on shutdown.
func NewChannelConfig(dataDir string) (*ChannelConfig, error) {
	c := &ChannelConfig{
		path:  filepath.Join(dataDir, ChannelConfigFile),
		flags: make(map[string]channelFlags),
		done:  make(chan struct{}),
	}
	if err := c.reload(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load channel config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	// Watch the directory: rename-over (our own atomic save included)
	// would detach a watch on the file itself.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}
	c.watcher = watcher
	go c.watchLoop()
	return c, nil
}

// AdvancedMode reports the channel's advanced_mode flag.
func (c *ChannelConfig) AdvancedMode(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags[channelID].AdvancedMode
}

// SetAdvancedMode updates the channel's flag and saves immediately.
func (c *ChannelConfig) SetAdvancedMode(channelID string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.flags[channelID]
	f.AdvancedMode = enabled
	c.flags[channelID] = f
	return c.saveLocked()
}

// Close stops the watcher.
func (c *ChannelConfig) Close() error {
	close(c.done)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *ChannelConfig) watchLoop() {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ChannelConfigFile {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			c.mu.Lock()
			if c.selfWriteLocked() {
				c.mu.Unlock()
				continue
			}
			if err := c.reloadLocked(); err != nil {
				slog.Warn("failed to reload channel config", "error", err)
			} else {
				slog.Info("channel config reloaded", "path", c.path)
			}
			c.mu.Unlock()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("channel config watcher error", "error", err)
		}
	}
}

// selfWriteLocked reports whether the file on disk is the one this process
// last wrote, by mtime.
func (c *ChannelConfig) selfWriteLocked() bool {
	if c.lastWrite.IsZero() {
		return false
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return false
	}
	return info.ModTime().Equal(c.lastWrite)
}

func (c *ChannelConfig) reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reloadLocked()
}

func (c *ChannelConfig) reloadLocked() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	flags := make(map[string]channelFlags)
	if err := json.Unmarshal(data, &flags); err != nil {
		return fmt.Errorf("malformed channel config: %w", err)
	}
	c.flags = flags
	return nil
}

func (c *ChannelConfig) saveLocked() error {
	data, err := json.MarshalIndent(c.flags, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write channel config: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace channel config: %w", err)
	}
	if info, err := os.Stat(c.path); err == nil {
		c.lastWrite = info.ModTime()
	}
	return nil
}
