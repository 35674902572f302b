package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hrygo/taleforge/gateway"
)

const (
	historyDefaultLimit = 5
	historyMaxLimit     = 10
)

// postHistoryBundle renders up to limit ancestors of tipRoundID (oldest
// first, the tip included) and posts them as one forwarded bundle with
// synthetic author "#<round_id>". Renders fan out under the semaphore.
func (b *Bot) postHistoryBundle(ctx context.Context, groupID string, tipRoundID int64, limit int) {
	rounds, err := b.store.GetRoundAncestors(ctx, tipRoundID, limit)
	if err != nil {
		b.postError(ctx, groupID, err, "找不到指定的回合。")
		return
	}
	if len(rounds) == 0 {
		b.postText(ctx, groupID, "没有可展示的回合。")
		return
	}

	type rendered struct {
		index int
		image []byte
		err   error
	}
	results := make(chan rendered, len(rounds))
	for i, round := range rounds {
		if err := b.renderSem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(i int, markdown string) {
			defer b.renderSem.Release(1)
			image, err := b.renderer.RenderMarkdown(ctx, markdown, "")
			results <- rendered{index: i, image: image, err: err}
		}(i, round.AssistantResponse)
	}

	images := make([][]byte, len(rounds))
	for range rounds {
		r := <-results
		if r.err != nil {
			slog.Error("failed to render history round", "round_id", rounds[r.index].ID, "error", r.err)
			b.postText(ctx, groupID, msgInternalError)
			return
		}
		images[r.index] = r.image
	}

	entries := make([]gateway.ForwardEntry, len(rounds))
	for i, round := range rounds {
		entries[i] = gateway.ForwardEntry{
			DisplayName: fmt.Sprintf("#%d", round.ID),
			Image:       images[i],
		}
	}
	if err := b.chat.PostForwardBundle(ctx, groupID, entries); err != nil {
		slog.Error("failed to post history bundle", "group", groupID, "error", err)
		b.postText(ctx, groupID, msgInternalError)
	}
}
