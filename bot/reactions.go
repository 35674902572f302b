package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/hrygo/taleforge/engine"
	"github.com/hrygo/taleforge/gateway"
	"github.com/hrygo/taleforge/store"
)

// ReactionEvent is one emoji add/remove on a message.
type ReactionEvent struct {
	GroupID   string
	MessageID string
	UserID    string
	EmojiID   string
	IsAdd     bool
}

// MessageEvent is an incoming group message, already stripped of platform
// framing. ReplyToMessageID is empty when the message is not a reply.
type MessageEvent struct {
	GroupID          string
	MessageID        string
	UserID           string
	Text             string
	ReplyToMessageID string
	MentionsBot      bool
}

// HandleReaction routes one reaction event. Classification is by which
// message carries the reaction (proposal preview, main message, custom
// input), never by the emoji id alone.
func (b *Bot) HandleReaction(ctx context.Context, ev ReactionEvent) {
	if ev.UserID == b.selfID {
		return
	}

	// Proposals expire in batch before any lookup so a reaction on a
	// stale preview observes the removal.
	b.ExpirePendingProposals(ctx)

	if pending, ok := b.cache.GetPendingGame(ev.MessageID); ok {
		if ev.IsAdd {
			b.handleProposalReaction(ctx, ev, pending.UserID, pending.SystemPrompt, pending.MessageID)
		}
		return
	}

	game := b.channelGame(ctx, ev.GroupID, true)
	if game == nil || game.MainMessageID == nil {
		return
	}

	isMain := ev.MessageID == *game.MainMessageID
	isCandidate := game.HasCandidate(ev.MessageID)
	if !isMain && !isCandidate {
		return
	}

	// Never lose a reaction: the vote lands even while frozen.
	b.cache.RecordVote(ev.GroupID, ev.MessageID, ev.EmojiID, ev.UserID, ev.IsAdd)
	b.exporter.RecordVote()

	if !ev.IsAdd {
		return
	}
	isControl := (isMain && isMainControl(ev.EmojiID)) || (isCandidate && ev.EmojiID == gateway.EmojiCancel)
	if !isControl {
		return
	}
	if !b.isPrivileged(ctx, ev.GroupID, ev.UserID, game) {
		return
	}
	if game.IsFrozen {
		b.postText(ctx, ev.GroupID, msgGameFrozen)
		return
	}

	if isMain {
		b.handleMainControl(ctx, ev, game)
		return
	}
	b.removeCandidate(ctx, game, ev.MessageID, msgCandidateRemoved)
}

func isMainControl(emojiID string) bool {
	return emojiID == gateway.EmojiConfirm || emojiID == gateway.EmojiDeny || emojiID == gateway.EmojiRetract
}

func (b *Bot) handleProposalReaction(ctx context.Context, ev ReactionEvent, ownerID, systemPrompt, uploadMessageID string) {
	if ev.UserID != ownerID {
		return
	}
	switch ev.EmojiID {
	case gateway.EmojiConfirm:
		if existing, err := b.store.GetGameByChannelID(ctx, ev.GroupID); err == nil && existing != nil {
			b.postText(ctx, ev.GroupID, msgChannelBusy)
			if err := b.chat.AttachReaction(ctx, ev.GroupID, ev.MessageID, gateway.EmojiCoffee); err != nil {
				slog.Warn("failed to attach busy reaction", "message_id", ev.MessageID, "error", err)
			}
			return
		}
		b.cache.RemovePendingGame(ev.MessageID)
		b.forgetPreview(ev.MessageID)
		if err := b.engine.StartNewGame(ctx, ev.GroupID, ownerID, systemPrompt); err != nil {
			slog.Error("failed to start game from proposal", "group", ev.GroupID, "error", err)
		}
	case gateway.EmojiCoffee:
		b.cache.RemovePendingGame(ev.MessageID)
		b.forgetPreview(ev.MessageID)
		if uploadMessageID != "" {
			if err := b.chat.DeleteMessage(ctx, ev.GroupID, uploadMessageID); err != nil {
				slog.Warn("failed to delete proposal upload", "message_id", uploadMessageID, "error", err)
			}
		}
		_ = b.chat.DetachReaction(ctx, ev.GroupID, ev.MessageID, gateway.EmojiConfirm)
		_ = b.chat.DetachReaction(ctx, ev.GroupID, ev.MessageID, gateway.EmojiCoffee)
		b.postText(ctx, ev.GroupID, msgProposalCancelled)
	}
}

func (b *Bot) handleMainControl(ctx context.Context, ev ReactionEvent, game *store.Game) {
	switch ev.EmojiID {
	case gateway.EmojiConfirm:
		tally := b.computeTally(ev.GroupID, game)
		if err := b.engine.TallyAndAdvance(ctx, game.ID, tally); err != nil {
			slog.Error("advancement failed", "game_id", game.ID, "error", err)
		}
	case gateway.EmojiDeny:
		tally := b.computeTally(ev.GroupID, game)
		report := msgVetoRestart
		if len(tally.Lines) > 0 {
			report = engine.MsgTallyHeader + "\n" + strings.Join(tally.Lines, "\n") + "\n\n" + msgVetoRestart
		}
		b.postText(ctx, ev.GroupID, report)
		b.cache.ClearGroupVotes(ev.GroupID)
		if err := b.engine.CheckoutHead(ctx, game.ID); err != nil {
			slog.Error("failed to republish after veto", "game_id", game.ID, "error", err)
		}
	case gateway.EmojiRetract:
		if err := b.engine.RevertLastRound(ctx, game.ID); err != nil && !errors.Is(err, engine.ErrAtSeedRound) {
			slog.Error("revert failed", "game_id", game.ID, "error", err)
		}
	}
}

func (b *Bot) computeTally(groupID string, game *store.Game) *engine.TallyResult {
	snapshot := b.cache.GroupVotes(groupID)
	contentOf := func(messageID string) (string, bool) {
		return b.cache.GetMessageContent(groupID, messageID)
	}
	return engine.ComputeTally(snapshot, *game.MainMessageID, game.CandidateInputIDs, contentOf)
}

// removeCandidate drops a custom input from the race and its vote entry.
func (b *Bot) removeCandidate(ctx context.Context, game *store.Game, messageID, notice string) {
	if game.ChannelID == nil {
		return
	}
	kept := make([]string, 0, len(game.CandidateInputIDs))
	for _, id := range game.CandidateInputIDs {
		if id != messageID {
			kept = append(kept, id)
		}
	}
	if err := b.store.UpdateGameCandidateInputs(ctx, game.ID, kept); err != nil {
		slog.Error("failed to remove candidate", "game_id", game.ID, "message_id", messageID, "error", err)
		return
	}
	b.cache.RemoveMessageVotes(*game.ChannelID, messageID)
	b.postText(ctx, *game.ChannelID, notice)
}

// HandleRecall reacts to a platform message-recall notice: a recalled
// custom-input candidate leaves the race.
func (b *Bot) HandleRecall(ctx context.Context, groupID, messageID string) {
	game := b.channelGame(ctx, groupID, true)
	if game == nil || !game.HasCandidate(messageID) {
		return
	}
	b.removeCandidate(ctx, game, messageID, msgCandidateRecalled)
}

// HandleMessage registers custom-input submissions: a reply to the current
// main message that mentions the bot becomes a vote candidate.
func (b *Bot) HandleMessage(ctx context.Context, ev MessageEvent) {
	if ev.UserID == b.selfID || !ev.MentionsBot || ev.ReplyToMessageID == "" {
		return
	}
	game := b.channelGame(ctx, ev.GroupID, true)
	if game == nil || game.MainMessageID == nil || ev.ReplyToMessageID != *game.MainMessageID {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	candidates := append(append([]string{}, game.CandidateInputIDs...), ev.MessageID)
	if err := b.store.UpdateGameCandidateInputs(ctx, game.ID, candidates); err != nil {
		slog.Error("failed to register candidate", "game_id", game.ID, "message_id", ev.MessageID, "error", err)
		return
	}
	b.cache.SetMessageContent(ev.GroupID, ev.MessageID, text)
	for _, emojiID := range gateway.CandidateEmojis {
		if err := b.chat.AttachReaction(ctx, ev.GroupID, ev.MessageID, emojiID); err != nil {
			slog.Warn("failed to attach candidate reaction", "message_id", ev.MessageID, "emoji", emojiID, "error", err)
		}
	}
}
