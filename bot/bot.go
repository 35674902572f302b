// Package bot is the chat-facing surface: it routes reaction events into
// the narrative engine and implements the /aigm command tree. Everything
// user-visible is posted through the consumed gateways; the package owns no
// platform protocol.
package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hrygo/taleforge/ai/llm"
	"github.com/hrygo/taleforge/ai/metrics"
	"github.com/hrygo/taleforge/ai/preset"
	"github.com/hrygo/taleforge/cache"
	"github.com/hrygo/taleforge/engine"
	"github.com/hrygo/taleforge/gateway"
	"github.com/hrygo/taleforge/internal/profile"
	"github.com/hrygo/taleforge/store"
)

// historyRenderConcurrency bounds parallel Markdown renders when a history
// command assembles a forwarded bundle.
const historyRenderConcurrency = 3

const (
	msgChannelBusy       = "当前已有正在进行的游戏，无法创建新游戏。"
	msgGameFrozen        = "正在处理其他操作，请稍后再试。"
	msgNoGame            = "当前群组没有正在进行的游戏。"
	msgPermissionDenied  = "权限不足"
	msgVetoRestart       = "由于一位管理员/主持人的反对票，本轮投票并未获通过，将重新开始本轮。"
	msgCandidateRemoved  = "由于一名管理员/主持人的撤回，该条回复将不会被计入投票"
	msgCandidateRecalled = "一条候选回复已被作者撤回，将不计入投票。"
	msgProposalExpired   = "游戏创建申请已超时，请重新发起。"
	msgProposalCancelled = "已取消本次游戏创建。"
	msgReservedName      = `"head" 是保留字，不能用作分支名称。`
	msgBadName           = "名称无效：仅允许 1-50 个字母、数字、下划线或连字符。"
	msgInternalError     = "操作失败，请稍后再试。"
)

// Config wires a Bot.
type Config struct {
	Profile  *profile.Profile
	Engine   *engine.Engine
	Store    *store.Store
	Cache    *cache.VolatileCache
	Broker   *preset.Broker
	LLM      *llm.Client
	Chat     gateway.ChatGateway
	Auth     gateway.AuthOracle
	Renderer gateway.Renderer
	Visual   gateway.Visualizer
	Web      gateway.WebExposer
	Channels *ChannelConfig
	Exporter *metrics.Exporter

	// SelfUserID is the bot's own platform user id, used to drop
	// self-reactions and to detect mentions.
	SelfUserID string
}

// Bot routes chat events. One instance per process; every handler is safe
// for concurrent use.
type Bot struct {
	profile  *profile.Profile
	engine   *engine.Engine
	store    *store.Store
	cache    *cache.VolatileCache
	broker   *preset.Broker
	llm      *llm.Client
	chat     gateway.ChatGateway
	auth     gateway.AuthOracle
	renderer gateway.Renderer
	visual   gateway.Visualizer
	web      gateway.WebExposer
	channels *ChannelConfig
	exporter *metrics.Exporter
	selfID   string

	renderSem *semaphore.Weighted

	// previews remembers which channel each pending proposal preview was
	// posted in and who proposed it. Runtime-only: after a restart expired
	// proposals are dropped without a notice.
	mu       sync.Mutex
	previews map[string]previewRef
}

type previewRef struct {
	GroupID string
	UserID  string
}

func New(cfg Config) *Bot {
	return &Bot{
		profile:      cfg.Profile,
		engine:       cfg.Engine,
		store:        cfg.Store,
		cache:        cfg.Cache,
		broker:       cfg.Broker,
		llm:          cfg.LLM,
		chat:         cfg.Chat,
		auth:         cfg.Auth,
		renderer:     cfg.Renderer,
		visual:       cfg.Visual,
		web:          cfg.Web,
		channels:     cfg.Channels,
		exporter:     cfg.Exporter,
		selfID:       cfg.SelfUserID,
		renderSem: semaphore.NewWeighted(historyRenderConcurrency),
		previews:  make(map[string]previewRef),
	}
}

// Channels exposes the per-channel flag store.
func (b *Bot) Channels() *ChannelConfig {
	return b.channels
}

func (b *Bot) pendingTimeout() time.Duration {
	if b.profile != nil && b.profile.PendingTimeoutSeconds > 0 {
		return time.Duration(b.profile.PendingTimeoutSeconds) * time.Second
	}
	return cache.DefaultPendingTimeout
}

// isPrivileged reports whether the user may operate the game: root, group
// admin/owner, or the game's host. game may be nil.
func (b *Bot) isPrivileged(ctx context.Context, groupID, userID string, game *store.Game) bool {
	if game != nil && game.HostUserID == userID {
		return true
	}
	if b.auth != nil && b.auth.HasRole(ctx, userID, "root") {
		return true
	}
	role, err := b.chat.FetchMemberRole(ctx, groupID, userID)
	if err != nil {
		slog.Warn("failed to fetch member role", "group", groupID, "user", userID, "error", err)
		return false
	}
	return role == gateway.RoleAdmin || role == gateway.RoleOwner
}

func (b *Bot) isRoot(ctx context.Context, userID string) bool {
	return b.auth != nil && b.auth.HasRole(ctx, userID, "root")
}

func (b *Bot) postText(ctx context.Context, groupID, text string) {
	if _, err := b.chat.PostText(ctx, groupID, text); err != nil {
		slog.Warn("failed to post message", "group", groupID, "error", err)
	}
}

func (b *Bot) postImage(ctx context.Context, groupID string, image []byte) {
	if _, err := b.chat.PostImage(ctx, groupID, image); err != nil {
		slog.Warn("failed to post image", "group", groupID, "error", err)
	}
}

// postError maps an internal error to a friendly line. Raw errors never
// reach the channel.
func (b *Bot) postError(ctx context.Context, groupID string, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		b.postText(ctx, groupID, notFoundMsg)
	case errors.Is(err, store.ErrConflict):
		b.postText(ctx, groupID, "名称已被占用或存在冲突，请更换后重试。")
	default:
		slog.Error("command failed", "group", groupID, "error", err)
		b.postText(ctx, groupID, msgInternalError)
	}
}

// mention formats a user reference for plain-text output.
func mention(userID string) string {
	return "@" + userID
}

// trackPreview remembers the channel a proposal preview was posted in and
// its originator.
func (b *Bot) trackPreview(previewMessageID, groupID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.previews[previewMessageID] = previewRef{GroupID: groupID, UserID: userID}
}

func (b *Bot) forgetPreview(previewMessageID string) (previewRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.previews[previewMessageID]
	delete(b.previews, previewMessageID)
	return ref, ok
}

// ExpirePendingProposals removes timed-out game proposals and posts a
// notice mentioning each originator. Wired to the minutely job.
func (b *Bot) ExpirePendingProposals(ctx context.Context) {
	removed := b.cache.CleanupExpiredPending(b.pendingTimeout())
	for _, previewID := range removed {
		ref, ok := b.forgetPreview(previewID)
		if !ok {
			continue
		}
		_, err := b.chat.PostStructured(ctx, ref.GroupID, &gateway.StructuredMessage{
			MentionUserIDs:   []string{ref.UserID},
			Text:             msgProposalExpired,
			ReplyToMessageID: previewID,
		})
		if err != nil {
			slog.Warn("failed to post proposal expiry notice", "group", ref.GroupID, "error", err)
		}
	}
	if len(removed) > 0 {
		slog.Info("expired pending proposals", "count", len(removed))
	}
}

// channelGame loads the channel's live game, posting the no-game notice on
// absence. Returns nil when there is none.
func (b *Bot) channelGame(ctx context.Context, groupID string, quiet bool) *store.Game {
	game, err := b.store.GetGameByChannelID(ctx, groupID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("failed to load channel game", "group", groupID, "error", err)
		}
		if !quiet {
			b.postText(ctx, groupID, msgNoGame)
		}
		return nil
	}
	return game
}

// liveVoteCount sums the option reactions currently on the main message,
// discounting the bot's own pre-attached one per emoji. Best-effort: any
// fetch failure reads as zero.
func (b *Bot) liveVoteCount(ctx context.Context, groupID, messageID string) int {
	counts, err := b.chat.FetchReactionList(ctx, groupID, messageID)
	if err != nil {
		slog.Warn("failed to fetch reaction list", "message_id", messageID, "error", err)
		return 0
	}
	total := 0
	for _, emojiID := range gateway.OptionEmojis {
		if n := counts[emojiID]; n > 1 {
			total += n - 1
		}
	}
	return total
}

// excerptLine shortens Markdown for one-line status output.
func excerptLine(markdown string) string {
	line := engine.Excerpt(markdown, 60)
	if line == "" {
		return "(空)"
	}
	return line
}
