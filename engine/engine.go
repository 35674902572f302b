// Package engine orchestrates the versioned narrative: game startup, round
// publishing, vote-driven advancement with optimistic tip locking, revert
// and branch operations.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/taleforge/ai/llm"
	"github.com/hrygo/taleforge/ai/metrics"
	"github.com/hrygo/taleforge/ai/preset"
	"github.com/hrygo/taleforge/cache"
	"github.com/hrygo/taleforge/gateway"
	"github.com/hrygo/taleforge/store"
)

// SeedPlayerChoice is the player_choice of every game's first round.
const SeedPlayerChoice = "开始"

// MainBranchName is the branch created with a new game.
const MainBranchName = "main"

// maxHistoryRounds bounds the ancestor walk when rebuilding the LLM
// conversation. Effectively unbounded for real games.
const maxHistoryRounds = 1000

// User-facing lines. The router and command layer reuse several of these.
const (
	MsgGameStarting   = "🚀 新游戏即将开始..."
	MsgThinking       = "🛠 GM 正在思考下一步剧情..."
	MsgNoVotes        = "无人投票，请继续投票后再确认。"
	MsgTipChanged     = "本轮状态已变化，为避免并发冲突本次推进已取消。"
	MsgAdvanceFailed  = "推进失败，游戏已解冻，请重试。"
	MsgGMNoResponse   = "GM 没有回应，本次推进已取消。"
	MsgReverted       = "🔄 游戏已成功回退到上一轮。"
	MsgAtSeedRound    = "已经是第一轮了，无法再回退。"
	MsgWinnerBanner   = "🏆 本轮胜出选项：\n%s"
	MsgTallyHeader    = "🗳️ 投票结果统计："
	winnerOptionLabel = "选择选项 %s"
)

// FlagSource reports per-channel flags the engine honors at publish time.
type FlagSource interface {
	// AdvancedMode makes CheckoutHead post a web link instead of a
	// rendered image.
	AdvancedMode(channelID string) bool
}

// Engine wires the store, the volatile cache, the credential broker, the
// LLM client and the consumed gateways into the advancement state machine.
type Engine struct {
	store    *store.Store
	cache    *cache.VolatileCache
	broker   *preset.Broker
	llm      *llm.Client
	chat     gateway.ChatGateway
	renderer gateway.Renderer
	web      gateway.WebExposer
	flags    FlagSource
	exporter *metrics.Exporter
}

// New creates an engine. web and flags may be nil when the instance runs
// without a web surface.
func New(
	st *store.Store,
	vc *cache.VolatileCache,
	broker *preset.Broker,
	client *llm.Client,
	chat gateway.ChatGateway,
	renderer gateway.Renderer,
	web gateway.WebExposer,
	flags FlagSource,
	exporter *metrics.Exporter,
) *Engine {
	return &Engine{
		store:    st,
		cache:    vc,
		broker:   broker,
		llm:      client,
		chat:     chat,
		renderer: renderer,
		web:      web,
		flags:    flags,
		exporter: exporter,
	}
}

// Store exposes the underlying store for the command layer.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Cache exposes the volatile cache for the router and command layer.
func (e *Engine) Cache() *cache.VolatileCache {
	return e.cache
}

// StartNewGame creates a game in the channel, seeds it with the opening
// LLM exchange, creates the main branch and publishes the first round.
// The game row is removed again if the opening call fails.
func (e *Engine) StartNewGame(ctx context.Context, groupID, userID, systemPrompt string) error {
	game, err := e.store.CreateGame(ctx, &store.CreateGame{
		ChannelID:    &groupID,
		HostUserID:   userID,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			e.postText(ctx, groupID, "当前已有正在进行的游戏，无法创建新游戏。")
		}
		return err
	}

	resolved, _, err := e.broker.Resolve(groupID)
	if err != nil {
		e.rollbackNewGame(ctx, game.ID)
		e.postText(ctx, groupID, preset.ErrNoBinding.Error())
		return err
	}

	e.postText(ctx, groupID, MsgGameStarting)

	content, usage, modelName, err := e.llm.GetCompletion(ctx, []llm.Message{
		llm.SystemPrompt(systemPrompt),
		llm.UserMessage(SeedPlayerChoice),
	}, resolved.Credentials)
	if err != nil {
		e.rollbackNewGame(ctx, game.ID)
		e.postText(ctx, groupID, MsgGMNoResponse)
		return fmt.Errorf("opening LLM call failed: %w", err)
	}

	err = e.store.RunInTransaction(ctx, func(ctx context.Context) error {
		seed, err := e.store.CreateRound(ctx, &store.CreateRound{
			GameID:            game.ID,
			ParentID:          store.SeedParentID,
			PlayerChoice:      SeedPlayerChoice,
			AssistantResponse: content,
			LLMUsage:          encodeUsage(usage),
			ModelName:         optional(modelName),
		})
		if err != nil {
			return err
		}
		branch, err := e.store.CreateBranch(ctx, &store.CreateBranch{
			GameID:     game.ID,
			Name:       MainBranchName,
			TipRoundID: &seed.ID,
		})
		if err != nil {
			return err
		}
		return e.store.UpdateGameHeadBranch(ctx, game.ID, branch.ID)
	})
	if err != nil {
		e.rollbackNewGame(ctx, game.ID)
		return err
	}

	slog.Info("new game started", "game_id", game.ID, "channel", groupID, "host", userID)
	return e.CheckoutHead(ctx, game.ID)
}

func (e *Engine) rollbackNewGame(ctx context.Context, gameID int64) {
	if err := e.store.DeleteGame(context.WithoutCancel(ctx), gameID); err != nil {
		slog.Error("failed to roll back aborted game", "game_id", gameID, "error", err)
	}
}

// CheckoutHead publishes the HEAD branch's tip round to the game's
// channel: clears the channel's vote cache, renders and posts the round,
// records the new main message id, resets the candidate list, and attaches
// the canonical reaction set. Idempotent; safe to call to re-publish.
func (e *Engine) CheckoutHead(ctx context.Context, gameID int64) error {
	game, err := e.store.GetGameByID(ctx, gameID)
	if err != nil {
		return err
	}
	if game.ChannelID == nil {
		return ErrNoChannel
	}
	groupID := *game.ChannelID

	tip, err := e.headTip(ctx, game)
	if err != nil {
		return err
	}

	e.cache.ClearGroupVotes(groupID)

	messageID, err := e.publishRound(ctx, game, tip)
	if err != nil {
		return err
	}

	if err := e.store.UpdateGameMainMessage(ctx, gameID, &messageID); err != nil {
		return err
	}
	if err := e.store.UpdateGameCandidateInputs(ctx, gameID, nil); err != nil {
		return err
	}

	// Reaction attachment is best effort: a missing emoji on the ballot
	// is an annoyance, not a broken game.
	for _, emojiID := range gateway.MainMessageEmojis {
		if err := e.chat.AttachReaction(ctx, groupID, messageID, emojiID); err != nil {
			slog.Warn("failed to attach reaction", "message_id", messageID, "emoji", emojiID, "error", err)
		}
	}
	return nil
}

func (e *Engine) publishRound(ctx context.Context, game *store.Game, tip *store.Round) (string, error) {
	groupID := *game.ChannelID

	if e.flags != nil && e.web != nil && e.flags.AdvancedMode(groupID) {
		return e.chat.PostText(ctx, groupID, fmt.Sprintf("📖 本轮剧情: %s", e.web.GameURL(game.ID)))
	}

	image, err := e.renderer.RenderMarkdown(ctx, tip.AssistantResponse, usageHeader(tip))
	if err != nil {
		return "", fmt.Errorf("failed to render round: %w", err)
	}
	return e.chat.PostImage(ctx, groupID, image)
}

// usageHeader formats the tip's prompt-token count as "N.Nk / 1M" for the
// rendered page header. Empty when the round carries no usage.
func usageHeader(tip *store.Round) string {
	usage := tip.Usage()
	if usage == nil || usage.PromptTokens <= 0 {
		return ""
	}
	return fmt.Sprintf("%.1fk / 1M", float64(usage.PromptTokens)/1000)
}

// TallyAndAdvance runs one advancement: freeze, snapshot the tip, pick the
// winner, replay history into the LLM, and commit the new round only if
// the tip is unmoved. Concurrent confirms race safely: the loser observes
// the moved tip and skips.
func (e *Engine) TallyAndAdvance(ctx context.Context, gameID int64, tally *TallyResult) (err error) {
	if err := e.store.SetGameFrozen(ctx, gameID, true); err != nil {
		return err
	}
	defer func() {
		// Cancellation leaves the game frozen on purpose: the admin
		// unfreezes once the half-finished state has been inspected.
		if errors.Is(err, context.Canceled) {
			slog.Warn("advancement cancelled, game left frozen", "game_id", gameID)
			return
		}
		unfreezeCtx := context.WithoutCancel(ctx)
		if uerr := e.store.SetGameFrozen(unfreezeCtx, gameID, false); uerr != nil {
			slog.Error("failed to unfreeze game", "game_id", gameID, "error", uerr)
		}
	}()

	var (
		groupID      string
		systemPrompt string
		branchID     int64
		initialTip   int64
	)
	err = e.store.RunInTransaction(ctx, func(ctx context.Context) error {
		game, err := e.store.GetGameByID(ctx, gameID)
		if err != nil {
			return err
		}
		if game.ChannelID == nil {
			return ErrNoChannel
		}
		if game.HeadBranchID == nil {
			return errors.Wrapf(store.ErrNotFound, "game %d has no head branch", gameID)
		}
		branch, err := e.store.GetBranchByID(ctx, *game.HeadBranchID)
		if err != nil {
			return err
		}
		if branch.TipRoundID == nil {
			return errors.Wrapf(store.ErrNotFound, "branch %d has no tip", branch.ID)
		}
		groupID = *game.ChannelID
		systemPrompt = game.SystemPrompt
		branchID = branch.ID
		initialTip = *branch.TipRoundID
		return nil
	})
	if err != nil {
		return err
	}

	if len(tally.Scores) == 0 {
		e.exporter.RecordAdvancement(metrics.ResultNoVotes)
		e.postText(ctx, groupID, MsgNoVotes)
		return nil
	}

	winnerContent, err := e.winnerContent(ctx, groupID, tally)
	if err != nil {
		return err
	}

	report := MsgTallyHeader + "\n" + strings.Join(tally.Lines, "\n") +
		"\n\n" + fmt.Sprintf(MsgWinnerBanner, winnerContent)
	e.postText(ctx, groupID, report)

	messages, err := e.historyMessages(ctx, systemPrompt, initialTip, winnerContent)
	if err != nil {
		return err
	}

	resolved, _, err := e.broker.Resolve(groupID)
	if err != nil {
		e.exporter.RecordAdvancement(metrics.ResultLLMFailed)
		e.postText(ctx, groupID, preset.ErrNoBinding.Error())
		return err
	}

	e.postText(ctx, groupID, MsgThinking)

	// The slow call runs outside any transaction; the tip re-read below
	// is what makes the commit safe.
	content, usage, modelName, err := e.llm.GetCompletion(ctx, messages, resolved.Credentials)
	if err != nil {
		e.exporter.RecordAdvancement(metrics.ResultLLMFailed)
		if errors.Is(err, context.Canceled) {
			return err
		}
		if llm.IsTransient(err) {
			e.postText(ctx, groupID, MsgGMNoResponse)
		} else {
			e.postText(ctx, groupID, MsgAdvanceFailed)
		}
		return err
	}

	err = e.store.RunInTransaction(ctx, func(ctx context.Context) error {
		branch, err := e.store.GetBranchByID(ctx, branchID)
		if err != nil {
			return err
		}
		if branch.TipRoundID == nil || *branch.TipRoundID != initialTip {
			return ErrTipChanged
		}
		round, err := e.store.CreateRound(ctx, &store.CreateRound{
			GameID:            gameID,
			ParentID:          initialTip,
			PlayerChoice:      winnerContent,
			AssistantResponse: content,
			LLMUsage:          encodeUsage(usage),
			ModelName:         optional(modelName),
		})
		if err != nil {
			return err
		}
		return e.store.UpdateBranchTip(ctx, branchID, round.ID)
	})
	if errors.Is(err, ErrTipChanged) {
		e.exporter.RecordAdvancement(metrics.ResultTipChanged)
		e.postText(ctx, groupID, MsgTipChanged)
		return nil
	}
	if err != nil {
		return err
	}

	e.exporter.RecordAdvancement(metrics.ResultAdvanced)
	e.cache.ClearGroupVotes(groupID)
	return e.CheckoutHead(ctx, gameID)
}

// winnerContent resolves the tally winners to the player_choice text of
// the new round. Letter wins use the fixed literal; custom-input wins use
// the message text, fetched lazily through the gateway with write-back to
// the cache. Ties concatenate every winner.
func (e *Engine) winnerContent(ctx context.Context, groupID string, tally *TallyResult) (string, error) {
	winners := tally.Winners()
	if len(winners) == 0 {
		return "", errors.New("winnerContent called with empty tally")
	}

	parts := make([]string, 0, len(winners))
	for _, winner := range winners {
		if isOptionLetter(winner) {
			parts = append(parts, fmt.Sprintf(winnerOptionLabel, winner))
			continue
		}
		parts = append(parts, e.fetchCandidateContent(ctx, groupID, winner))
	}
	return strings.Join(parts, "\n"), nil
}

// fetchCandidateContent memoizes a candidate message's text per
// (group, message): cache first, then the gateway with write-back.
func (e *Engine) fetchCandidateContent(ctx context.Context, groupID, messageID string) string {
	if content, ok := e.cache.GetMessageContent(groupID, messageID); ok {
		return content
	}
	content, err := e.chat.FetchMessageText(ctx, groupID, messageID)
	if err != nil {
		slog.Warn("failed to fetch custom input text", "message_id", messageID, "error", err)
		return fmt.Sprintf("自定义输入 (ID: %s)", messageID)
	}
	e.cache.SetMessageContent(groupID, messageID, content)
	return content
}

// historyMessages rebuilds the full conversation: the system prompt, one
// user/assistant pair per ancestor in chronological order (the seed
// included), then the winner as the new user turn.
func (e *Engine) historyMessages(ctx context.Context, systemPrompt string, tipRoundID int64, winnerContent string) ([]llm.Message, error) {
	ancestors, err := e.store.GetRoundAncestors(ctx, tipRoundID, maxHistoryRounds)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, 2*len(ancestors)+2)
	messages = append(messages, llm.SystemPrompt(systemPrompt))
	for _, round := range ancestors {
		messages = append(messages, llm.UserMessage(round.PlayerChoice))
		messages = append(messages, llm.AssistantMessage(round.AssistantResponse))
	}
	messages = append(messages, llm.UserMessage(winnerContent))
	return messages, nil
}

// RevertLastRound moves the HEAD tip to its parent and republishes.
// Descendant rounds stay in the store as an unreachable subtree; pruning
// would be a different operation.
func (e *Engine) RevertLastRound(ctx context.Context, gameID int64) error {
	game, err := e.store.GetGameByID(ctx, gameID)
	if err != nil {
		return err
	}
	tip, err := e.headTip(ctx, game)
	if err != nil {
		return err
	}
	if tip.ParentID == store.SeedParentID {
		if game.ChannelID != nil {
			e.postText(ctx, *game.ChannelID, MsgAtSeedRound)
		}
		return ErrAtSeedRound
	}

	if err := e.store.UpdateBranchTip(ctx, *game.HeadBranchID, tip.ParentID); err != nil {
		return err
	}
	if game.ChannelID != nil {
		e.cache.ClearGroupVotes(*game.ChannelID)
	}
	if err := e.CheckoutHead(ctx, gameID); err != nil {
		return err
	}
	if game.ChannelID != nil {
		e.postText(ctx, *game.ChannelID, MsgReverted)
	}
	return nil
}

// CreateBranch creates a branch pointing at fromRoundID, defaulting to the
// current HEAD tip. The store's UNIQUE constraint is the authoritative
// duplicate check.
func (e *Engine) CreateBranch(ctx context.Context, gameID int64, name string, fromRoundID *int64) (*store.Branch, error) {
	if fromRoundID == nil {
		game, err := e.store.GetGameByID(ctx, gameID)
		if err != nil {
			return nil, err
		}
		tip, err := e.headTip(ctx, game)
		if err != nil {
			return nil, err
		}
		fromRoundID = &tip.ID
	} else {
		round, err := e.store.GetRoundByID(ctx, *fromRoundID)
		if err != nil {
			return nil, err
		}
		if round.GameID != gameID {
			return nil, errors.Wrap(store.ErrNotFound, "round belongs to another game")
		}
	}
	return e.store.CreateBranch(ctx, &store.CreateBranch{
		GameID:     gameID,
		Name:       name,
		TipRoundID: fromRoundID,
	})
}

// SwitchBranch moves HEAD to the named branch and republishes its tip.
func (e *Engine) SwitchBranch(ctx context.Context, gameID int64, branchName string) error {
	branch, err := e.store.GetBranchByName(ctx, gameID, branchName)
	if err != nil {
		return err
	}
	if err := e.store.UpdateGameHeadBranch(ctx, gameID, branch.ID); err != nil {
		return err
	}
	return e.CheckoutHead(ctx, gameID)
}

// ResetCurrentBranch moves the HEAD branch's tip to roundID (validated to
// belong to the game) and republishes.
func (e *Engine) ResetCurrentBranch(ctx context.Context, gameID int64, roundID int64) error {
	round, err := e.store.GetRoundByID(ctx, roundID)
	if err != nil {
		return err
	}
	if round.GameID != gameID {
		return errors.Wrap(store.ErrNotFound, "round belongs to another game")
	}

	game, err := e.store.GetGameByID(ctx, gameID)
	if err != nil {
		return err
	}
	if game.HeadBranchID == nil {
		return errors.Wrap(store.ErrNotFound, "game has no head branch")
	}
	if err := e.store.UpdateBranchTip(ctx, *game.HeadBranchID, roundID); err != nil {
		return err
	}
	return e.CheckoutHead(ctx, gameID)
}

// Unfreeze clears the advancement gate; the admin escape hatch after a
// cancelled advancement.
func (e *Engine) Unfreeze(ctx context.Context, gameID int64) error {
	return e.store.SetGameFrozen(ctx, gameID, false)
}

// headTip loads the HEAD branch's tip round.
func (e *Engine) headTip(ctx context.Context, game *store.Game) (*store.Round, error) {
	if game.HeadBranchID == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "game %d has no head branch", game.ID)
	}
	branch, err := e.store.GetBranchByID(ctx, *game.HeadBranchID)
	if err != nil {
		return nil, err
	}
	if branch.TipRoundID == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "branch %q has no tip", branch.Name)
	}
	return e.store.GetRoundByID(ctx, *branch.TipRoundID)
}

// postText posts best-effort: engine notices must not mask the underlying
// operation's result.
func (e *Engine) postText(ctx context.Context, groupID, text string) {
	if _, err := e.chat.PostText(ctx, groupID, text); err != nil {
		slog.Warn("failed to post message", "group", groupID, "error", err)
	}
}

func encodeUsage(usage *llm.Usage) *string {
	if usage == nil {
		return nil
	}
	data, err := json.Marshal(usage)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
