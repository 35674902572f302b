package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/taleforge/cache"
	"github.com/hrygo/taleforge/gateway"
	"github.com/hrygo/taleforge/store"
)

func TestProposalConfirmStartsGame(t *testing.T) {
	h := newHarness(t)

	game := h.startGame(t)
	assert.Equal(t, testHost, game.HostUserID)
	require.NotNil(t, game.MainMessageID)
	assert.ElementsMatch(t, gateway.MainMessageEmojis, h.chat.reactions[*game.MainMessageID])

	// The proposal is consumed.
	_, ok := h.cache.GetPendingGame(h.chat.texts[0].id)
	assert.False(t, ok)
}

func TestProposalIgnoresNonOriginator(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleCommand(context.Background(), Command{
		GroupID: testGroup, UserID: testHost, MessageID: "om_upload",
		Args: []string{"start", "世界观"},
	})
	previewID := h.chat.lastTextID()

	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: previewID, UserID: testUser,
		EmojiID: gateway.EmojiConfirm, IsAdd: true,
	})

	_, err := h.store.GetGameByChannelID(context.Background(), testGroup)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, ok := h.cache.GetPendingGame(previewID)
	assert.True(t, ok)
}

func TestProposalCoffeeCancels(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleCommand(context.Background(), Command{
		GroupID: testGroup, UserID: testHost, MessageID: "om_upload",
		Args: []string{"start", "世界观"},
	})
	previewID := h.chat.lastTextID()

	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: previewID, UserID: testHost,
		EmojiID: gateway.EmojiCoffee, IsAdd: true,
	})

	_, ok := h.cache.GetPendingGame(previewID)
	assert.False(t, ok)
	assert.Contains(t, h.chat.deleted, "om_upload")
	assert.True(t, h.chat.hasText(msgProposalCancelled))
}

func TestProposalConfirmOnBusyChannel(t *testing.T) {
	h := newHarness(t)
	h.startGame(t)

	// A second proposal cannot be confirmed while a game is live.
	h.bot.HandleCommand(context.Background(), Command{
		GroupID: testGroup, UserID: testUser, MessageID: "om_upload2",
		Args: []string{"start", "另一个世界"},
	})
	// The busy check already fires at proposal time.
	assert.True(t, h.chat.hasText(msgChannelBusy))
}

func TestVoteRecordedOnMainMessage(t *testing.T) {
	h := newHarness(t)
	game := h.startGame(t)

	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: *game.MainMessageID, UserID: testUser,
		EmojiID: gateway.EmojiOptionA, IsAdd: true,
	})

	votes := h.cache.MessageVotes(testGroup, *game.MainMessageID)
	assert.Len(t, votes[gateway.EmojiOptionA], 1)

	// Reactions on unrelated messages are not recorded.
	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: "om_unrelated", UserID: testUser,
		EmojiID: gateway.EmojiOptionA, IsAdd: true,
	})
	assert.Empty(t, h.cache.MessageVotes(testGroup, "om_unrelated"))
}

func TestConfirmAdvancesGame(t *testing.T) {
	h := newHarness(t)
	game := h.startGame(t)

	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: *game.MainMessageID, UserID: testUser,
		EmojiID: gateway.EmojiOptionB, IsAdd: true,
	})
	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: *game.MainMessageID, UserID: testAdmin,
		EmojiID: gateway.EmojiConfirm, IsAdd: true,
	})

	rounds, err := h.store.ListRounds(context.Background(), game.ID)
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, "选择选项 B", rounds[1].PlayerChoice)
}

func TestConfirmByMemberDoesNotAdvance(t *testing.T) {
	h := newHarness(t)
	game := h.startGame(t)

	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: *game.MainMessageID, UserID: testUser,
		EmojiID: gateway.EmojiConfirm, IsAdd: true,
	})

	rounds, err := h.store.ListRounds(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Len(t, rounds, 1)
}

func TestDenyVetoRestartsRound(t *testing.T) {
	h := newHarness(t)
	game := h.startGame(t)

	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: *game.MainMessageID, UserID: testUser,
		EmojiID: gateway.EmojiOptionA, IsAdd: true,
	})
	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: *game.MainMessageID, UserID: testAdmin,
		EmojiID: gateway.EmojiDeny, IsAdd: true,
	})

	assert.True(t, h.chat.hasText(msgVetoRestart))
	assert.Empty(t, h.cache.GroupVotes(testGroup))

	// No advancement happened; the round was republished instead.
	rounds, err := h.store.ListRounds(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Len(t, rounds, 1)
	game, err = h.store.GetGameByChannelID(context.Background(), testGroup)
	require.NoError(t, err)
	assert.NotNil(t, game.MainMessageID)
}

func TestFrozenGameRefusesControls(t *testing.T) {
	h := newHarness(t)
	game := h.startGame(t)
	require.NoError(t, h.store.SetGameFrozen(context.Background(), game.ID, true))

	// The plain vote still lands.
	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: *game.MainMessageID, UserID: testUser,
		EmojiID: gateway.EmojiOptionA, IsAdd: true,
	})
	assert.Len(t, h.cache.MessageVotes(testGroup, *game.MainMessageID)[gateway.EmojiOptionA], 1)

	// The admin control is refused.
	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: *game.MainMessageID, UserID: testAdmin,
		EmojiID: gateway.EmojiConfirm, IsAdd: true,
	})
	assert.Equal(t, msgGameFrozen, h.chat.lastText())
	rounds, err := h.store.ListRounds(context.Background(), game.ID)
	require.NoError(t, err)
	assert.Len(t, rounds, 1)
}

func TestCustomInputSubmissionAndCancel(t *testing.T) {
	h := newHarness(t)
	game := h.startGame(t)

	h.bot.HandleMessage(context.Background(), MessageEvent{
		GroupID:          testGroup,
		MessageID:        "om_custom",
		UserID:           testUser,
		Text:             "去找水源",
		ReplyToMessageID: *game.MainMessageID,
		MentionsBot:      true,
	})

	game, err := h.store.GetGameByChannelID(context.Background(), testGroup)
	require.NoError(t, err)
	assert.True(t, game.HasCandidate("om_custom"))
	assert.ElementsMatch(t, gateway.CandidateEmojis, h.chat.reactions["om_custom"])
	content, ok := h.cache.GetMessageContent(testGroup, "om_custom")
	require.True(t, ok)
	assert.Equal(t, "去找水源", content)

	// An admin cancels it.
	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: "om_custom", UserID: testAdmin,
		EmojiID: gateway.EmojiCancel, IsAdd: true,
	})

	game, err = h.store.GetGameByChannelID(context.Background(), testGroup)
	require.NoError(t, err)
	assert.False(t, game.HasCandidate("om_custom"))
	assert.Empty(t, h.cache.MessageVotes(testGroup, "om_custom"))
	assert.True(t, h.chat.hasText(msgCandidateRemoved))
}

func TestRecallRemovesCandidate(t *testing.T) {
	h := newHarness(t)
	game := h.startGame(t)

	h.bot.HandleMessage(context.Background(), MessageEvent{
		GroupID: testGroup, MessageID: "om_custom", UserID: testUser,
		Text: "去找水源", ReplyToMessageID: *game.MainMessageID, MentionsBot: true,
	})
	h.bot.HandleRecall(context.Background(), testGroup, "om_custom")

	game, err := h.store.GetGameByChannelID(context.Background(), testGroup)
	require.NoError(t, err)
	assert.False(t, game.HasCandidate("om_custom"))
	assert.True(t, h.chat.hasText(msgCandidateRecalled))
}

func TestExpirePendingProposalsNotifies(t *testing.T) {
	h := newHarness(t)

	h.cache.AddPendingGame("om_preview", cache.PendingGame{
		UserID:       testHost,
		SystemPrompt: "世界观",
		CreateTime:   time.Now().UTC().Add(-10 * time.Minute),
	})
	h.bot.trackPreview("om_preview", testGroup, testHost)

	h.bot.ExpirePendingProposals(context.Background())

	_, ok := h.cache.GetPendingGame("om_preview")
	assert.False(t, ok)
	assert.True(t, h.chat.hasText(msgProposalExpired))
}

func TestSelfReactionsIgnored(t *testing.T) {
	h := newHarness(t)
	game := h.startGame(t)

	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID: testGroup, MessageID: *game.MainMessageID, UserID: botSelfID,
		EmojiID: gateway.EmojiOptionA, IsAdd: true,
	})
	assert.Empty(t, h.cache.MessageVotes(testGroup, *game.MainMessageID))
}
