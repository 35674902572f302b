package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hrygo/taleforge/cache"
	"github.com/hrygo/taleforge/gateway"
	"github.com/hrygo/taleforge/store"
)

// Command is one parsed /aigm invocation. Args holds the tokens after the
// prefix; splitting is the platform adapter's job.
type Command struct {
	GroupID   string
	UserID    string
	MessageID string
	Args      []string
	IsPrivate bool
}

func (c Command) arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

func (c Command) rest(from int) string {
	if from >= len(c.Args) {
		return ""
	}
	return strings.TrimSpace(strings.Join(c.Args[from:], " "))
}

// HandleCommand dispatches one /aigm invocation. Unknown commands get the
// help page.
func (b *Bot) HandleCommand(ctx context.Context, cmd Command) {
	if cmd.IsPrivate {
		b.handlePrivateCommand(ctx, cmd)
		return
	}

	switch cmd.arg(0) {
	case "", "help":
		b.cmdHelp(ctx, cmd)
	case "status":
		b.cmdStatus(ctx, cmd)
	case "webui":
		b.cmdWebUI(ctx, cmd)
	case "start":
		b.cmdStart(ctx, cmd)
	case "game":
		b.cmdGame(ctx, cmd)
	case "branch":
		b.cmdBranch(ctx, cmd)
	case "checkout", "co":
		b.cmdCheckout(ctx, cmd, cmd.arg(1))
	case "reset":
		b.cmdReset(ctx, cmd)
	case "round":
		b.cmdRound(ctx, cmd)
	case "tag":
		b.cmdTag(ctx, cmd)
	case "admin":
		b.cmdAdmin(ctx, cmd)
	case "advanced-mode":
		b.cmdAdvancedMode(ctx, cmd)
	case "llm":
		b.cmdLLMGroup(ctx, cmd)
	default:
		b.cmdHelp(ctx, cmd)
	}
}

// requirePrivilege posts the denial when the user holds no qualifying
// tier. hint names the requirement in the denial line.
func (b *Bot) requirePrivilege(ctx context.Context, cmd Command, game *store.Game, hint string) bool {
	if b.isPrivileged(ctx, cmd.GroupID, cmd.UserID, game) {
		return true
	}
	b.postText(ctx, cmd.GroupID, msgPermissionDenied+"："+hint)
	return false
}

func (b *Bot) requireRoot(ctx context.Context, cmd Command) bool {
	if b.isRoot(ctx, cmd.UserID) {
		return true
	}
	b.postText(ctx, cmd.GroupID, msgPermissionDenied+"：仅限 root 用户。")
	return false
}

func validateRefName(name string) string {
	if name == store.ReservedBranchName {
		return msgReservedName
	}
	if !store.IsValidRefName(name) {
		return msgBadName
	}
	return ""
}

func (b *Bot) cmdHelp(ctx context.Context, cmd Command) {
	image, err := b.renderer.RenderHelpPage(ctx)
	if err != nil {
		slog.Error("failed to render help page", "error", err)
		b.postText(ctx, cmd.GroupID, msgInternalError)
		return
	}
	b.postImage(ctx, cmd.GroupID, image)
}

func (b *Bot) cmdStatus(ctx context.Context, cmd Command) {
	game := b.channelGame(ctx, cmd.GroupID, false)
	if game == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "🎮 游戏状态\n")
	fmt.Fprintf(&sb, "- ID: %d\n", game.ID)
	fmt.Fprintf(&sb, "- 主持人: %s\n", mention(game.HostUserID))
	fmt.Fprintf(&sb, "- 冻结: %v\n", game.IsFrozen)
	fmt.Fprintf(&sb, "- 创建于: %s\n", formatTs(game.CreatedTs))
	fmt.Fprintf(&sb, "- 更新于: %s\n", formatTs(game.UpdatedTs))
	if game.MainMessageID != nil {
		fmt.Fprintf(&sb, "- 当前消息: %s\n", *game.MainMessageID)
		if votes := b.liveVoteCount(ctx, cmd.GroupID, *game.MainMessageID); votes > 0 {
			fmt.Fprintf(&sb, "- 当前投票数: %d\n", votes)
		}
	}
	if game.HeadBranchID != nil {
		if branch, err := b.store.GetBranchByID(ctx, *game.HeadBranchID); err == nil {
			fmt.Fprintf(&sb, "- HEAD 分支: %s\n", branch.Name)
			if branch.TipRoundID != nil {
				if tip, err := b.store.GetRoundByID(ctx, *branch.TipRoundID); err == nil {
					fmt.Fprintf(&sb, "- 最新回合: #%d %s", tip.ID, excerptLine(tip.AssistantResponse))
				}
			}
		}
	}
	b.postText(ctx, cmd.GroupID, sb.String())
}

func (b *Bot) cmdWebUI(ctx context.Context, cmd Command) {
	if b.web == nil {
		b.postText(ctx, cmd.GroupID, "本实例未启用 Web UI。")
		return
	}
	if game := b.channelGame(ctx, cmd.GroupID, true); game != nil {
		b.postText(ctx, cmd.GroupID, "📖 本局游戏的 Web UI: "+b.web.GameURL(game.ID))
		return
	}
	b.postText(ctx, cmd.GroupID, "🌐 Web UI: "+b.web.PublicURL())
}

func (b *Bot) cmdStart(ctx context.Context, cmd Command) {
	systemPrompt := cmd.rest(1)
	if systemPrompt == "" {
		b.startViaWeb(ctx, cmd)
		return
	}

	if game := b.channelGame(ctx, cmd.GroupID, true); game != nil {
		b.postText(ctx, cmd.GroupID, msgChannelBusy)
		return
	}

	preview := fmt.Sprintf(
		"📜 新游戏申请\n发起人: %s\n剧本摘要: %s\n\n请发起人在 %d 秒内对本消息使用 🎉 确认创建，或 ☕ 取消。",
		mention(cmd.UserID), excerptLine(systemPrompt), int(b.pendingTimeout().Seconds()))
	previewID, err := b.chat.PostText(ctx, cmd.GroupID, preview)
	if err != nil {
		slog.Error("failed to post proposal preview", "group", cmd.GroupID, "error", err)
		return
	}

	b.cache.AddPendingGame(previewID, cache.PendingGame{
		UserID:       cmd.UserID,
		SystemPrompt: systemPrompt,
		MessageID:    cmd.MessageID,
		CreateTime:   time.Now().UTC(),
	})
	b.trackPreview(previewID, cmd.GroupID, cmd.UserID)

	for _, emojiID := range []string{gateway.EmojiConfirm, gateway.EmojiCoffee} {
		if err := b.chat.AttachReaction(ctx, cmd.GroupID, previewID, emojiID); err != nil {
			slog.Warn("failed to attach proposal reaction", "message_id", previewID, "emoji", emojiID, "error", err)
		}
	}
}

func (b *Bot) startViaWeb(ctx context.Context, cmd Command) {
	if b.web == nil {
		b.postText(ctx, cmd.GroupID, "请在命令后附上剧本设定，例如：/aigm start 世界观: 废土")
		return
	}
	token := b.cache.MintStartToken(cmd.GroupID, cmd.UserID)
	b.postText(ctx, cmd.GroupID,
		"🔗 请通过以下一次性链接提交剧本设定（10 分钟内有效）：\n"+b.web.StartURL(token))
}

func (b *Bot) cmdGame(ctx context.Context, cmd Command) {
	switch cmd.arg(1) {
	case "list":
		b.cmdGameList(ctx, cmd)
	case "attach":
		game := b.channelGame(ctx, cmd.GroupID, true)
		if game != nil {
			b.postText(ctx, cmd.GroupID, msgChannelBusy)
			return
		}
		if !b.requirePrivilege(ctx, cmd, nil, "需要群管理员或 root。") {
			return
		}
		gameID, err := strconv.ParseInt(cmd.arg(2), 10, 64)
		if err != nil {
			b.postText(ctx, cmd.GroupID, "用法：/aigm game attach <游戏 ID>")
			return
		}
		if err := b.store.AttachGameToChannel(ctx, gameID, cmd.GroupID); err != nil {
			b.postError(ctx, cmd.GroupID, err, "找不到该游戏。")
			return
		}
		if err := b.engine.CheckoutHead(ctx, gameID); err != nil {
			slog.Error("failed to publish after attach", "game_id", gameID, "error", err)
		}
	case "detach":
		game := b.channelGame(ctx, cmd.GroupID, false)
		if game == nil || !b.requirePrivilege(ctx, cmd, game, "需要群管理员、主持人或 root。") {
			return
		}
		if err := b.store.DetachGameFromChannel(ctx, game.ID); err != nil {
			b.postError(ctx, cmd.GroupID, err, msgNoGame)
			return
		}
		b.cache.ClearGroupVotes(cmd.GroupID)
		b.postText(ctx, cmd.GroupID, fmt.Sprintf("游戏 %d 已与本群解绑。", game.ID))
	case "sethost":
		game := b.channelGame(ctx, cmd.GroupID, false)
		if game == nil || !b.requirePrivilege(ctx, cmd, game, "需要群管理员、主持人或 root。") {
			return
		}
		b.setHost(ctx, cmd, game.ID, cmd.arg(2))
	case "sethost-by-id":
		if !b.requireRoot(ctx, cmd) {
			return
		}
		gameID, err := strconv.ParseInt(cmd.arg(2), 10, 64)
		if err != nil {
			b.postText(ctx, cmd.GroupID, "用法：/aigm game sethost-by-id <游戏 ID> <@用户>")
			return
		}
		b.setHost(ctx, cmd, gameID, cmd.arg(3))
	default:
		b.postText(ctx, cmd.GroupID, "用法：/aigm game list|attach|detach|sethost|sethost-by-id")
	}
}

func (b *Bot) setHost(ctx context.Context, cmd Command, gameID int64, userID string) {
	userID = strings.TrimPrefix(userID, "@")
	if userID == "" {
		b.postText(ctx, cmd.GroupID, "请指定新的主持人。")
		return
	}
	if err := b.store.UpdateGameHost(ctx, gameID, userID); err != nil {
		b.postError(ctx, cmd.GroupID, err, "找不到该游戏。")
		return
	}
	b.postText(ctx, cmd.GroupID, fmt.Sprintf("游戏 %d 的主持人已变更为 %s。", gameID, mention(userID)))
}

func (b *Bot) cmdGameList(ctx context.Context, cmd Command) {
	games, err := b.store.ListGames(ctx)
	if err != nil {
		b.postError(ctx, cmd.GroupID, err, msgNoGame)
		return
	}
	if len(games) == 0 {
		b.postText(ctx, cmd.GroupID, "还没有任何游戏。")
		return
	}
	var sb strings.Builder
	sb.WriteString("🗂 游戏列表\n")
	for _, g := range games {
		channel := "未附加"
		if g.ChannelID != nil {
			channel = *g.ChannelID
		}
		fmt.Fprintf(&sb, "- ID: %d, 频道: %s, 主持人: %s, 创建于: %s\n",
			g.ID, channel, g.HostUserID, formatTs(g.CreatedTs))
	}
	b.postText(ctx, cmd.GroupID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) cmdBranch(ctx context.Context, cmd Command) {
	game := b.channelGame(ctx, cmd.GroupID, false)
	if game == nil {
		return
	}
	switch cmd.arg(1) {
	case "list", "":
		b.postBranchGraph(ctx, cmd, game, cmd.arg(2) == "all")
	case "show":
		branch, err := b.store.GetBranchByName(ctx, game.ID, cmd.arg(2))
		if err != nil {
			b.postError(ctx, cmd.GroupID, err, fmt.Sprintf("找不到分支 %q。", cmd.arg(2)))
			return
		}
		if branch.TipRoundID == nil {
			b.postText(ctx, cmd.GroupID, "该分支还没有任何回合。")
			return
		}
		b.postRoundImage(ctx, cmd.GroupID, *branch.TipRoundID)
	case "history":
		b.cmdBranchHistory(ctx, cmd, game)
	case "create":
		if !b.requirePrivilege(ctx, cmd, game, "需要群管理员、主持人或 root。") {
			return
		}
		name := cmd.arg(2)
		if msg := validateRefName(name); msg != "" {
			b.postText(ctx, cmd.GroupID, msg)
			return
		}
		var fromRoundID *int64
		if raw := cmd.arg(3); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				b.postText(ctx, cmd.GroupID, "回合 ID 必须是数字。")
				return
			}
			fromRoundID = &id
		}
		if _, err := b.engine.CreateBranch(ctx, game.ID, name, fromRoundID); err != nil {
			b.postError(ctx, cmd.GroupID, err, "找不到指定的回合。")
			return
		}
		b.postText(ctx, cmd.GroupID, fmt.Sprintf("🌿 分支 %s 已创建。", name))
	case "rename":
		if !b.requirePrivilege(ctx, cmd, game, "需要群管理员、主持人或 root。") {
			return
		}
		oldName, newName := cmd.arg(2), cmd.arg(3)
		if msg := validateRefName(newName); msg != "" {
			b.postText(ctx, cmd.GroupID, msg)
			return
		}
		branch, err := b.store.GetBranchByName(ctx, game.ID, oldName)
		if err != nil {
			b.postError(ctx, cmd.GroupID, err, fmt.Sprintf("找不到分支 %q。", oldName))
			return
		}
		if err := b.store.RenameBranch(ctx, branch.ID, newName); err != nil {
			b.postError(ctx, cmd.GroupID, err, fmt.Sprintf("找不到分支 %q。", oldName))
			return
		}
		b.postText(ctx, cmd.GroupID, fmt.Sprintf("分支 %s 已重命名为 %s。", oldName, newName))
	case "delete":
		if !b.requirePrivilege(ctx, cmd, game, "需要群管理员、主持人或 root。") {
			return
		}
		branch, err := b.store.GetBranchByName(ctx, game.ID, cmd.arg(2))
		if err != nil {
			b.postError(ctx, cmd.GroupID, err, fmt.Sprintf("找不到分支 %q。", cmd.arg(2)))
			return
		}
		if game.HeadBranchID != nil && branch.ID == *game.HeadBranchID {
			b.postText(ctx, cmd.GroupID, "不能删除当前 HEAD 所在的分支，请先切换到其他分支。")
			return
		}
		if err := b.store.DeleteBranch(ctx, branch.ID); err != nil {
			b.postError(ctx, cmd.GroupID, err, fmt.Sprintf("找不到分支 %q。", cmd.arg(2)))
			return
		}
		b.postText(ctx, cmd.GroupID, fmt.Sprintf("分支 %s 已删除。", branch.Name))
	default:
		b.postText(ctx, cmd.GroupID, "用法：/aigm branch list|show|history|create|rename|delete")
	}
}

func (b *Bot) postBranchGraph(ctx context.Context, cmd Command, game *store.Game, full bool) {
	if b.visual == nil {
		b.postText(ctx, cmd.GroupID, "本实例未启用分支图渲染。")
		return
	}
	var (
		image []byte
		err   error
	)
	if full {
		image, err = b.visual.CreateFullBranchGraph(ctx, game.ID)
	} else {
		image, err = b.visual.CreateBranchGraph(ctx, game.ID)
	}
	if err != nil {
		slog.Error("failed to render branch graph", "game_id", game.ID, "error", err)
		b.postText(ctx, cmd.GroupID, msgInternalError)
		return
	}
	b.postImage(ctx, cmd.GroupID, image)
}

func (b *Bot) cmdCheckout(ctx context.Context, cmd Command, target string) {
	game := b.channelGame(ctx, cmd.GroupID, false)
	if game == nil || !b.requirePrivilege(ctx, cmd, game, "需要群管理员、主持人或 root。") {
		return
	}
	if target == "" {
		b.postText(ctx, cmd.GroupID, "用法：/aigm checkout head|<分支名>")
		return
	}
	if target == store.ReservedBranchName {
		if err := b.engine.CheckoutHead(ctx, game.ID); err != nil {
			b.postError(ctx, cmd.GroupID, err, msgNoGame)
		}
		return
	}
	if err := b.engine.SwitchBranch(ctx, game.ID, target); err != nil {
		b.postError(ctx, cmd.GroupID, err, fmt.Sprintf("找不到分支 %q。", target))
	}
}

func (b *Bot) cmdReset(ctx context.Context, cmd Command) {
	game := b.channelGame(ctx, cmd.GroupID, false)
	if game == nil || !b.requirePrivilege(ctx, cmd, game, "需要群管理员、主持人或 root。") {
		return
	}
	roundID, err := strconv.ParseInt(cmd.arg(1), 10, 64)
	if err != nil {
		b.postText(ctx, cmd.GroupID, "用法：/aigm reset <回合 ID>")
		return
	}
	if err := b.engine.ResetCurrentBranch(ctx, game.ID, roundID); err != nil {
		b.postError(ctx, cmd.GroupID, err, "找不到指定的回合。")
	}
}

func (b *Bot) cmdRound(ctx context.Context, cmd Command) {
	game := b.channelGame(ctx, cmd.GroupID, false)
	if game == nil {
		return
	}
	roundID, err := strconv.ParseInt(cmd.arg(2), 10, 64)
	if err != nil {
		b.postText(ctx, cmd.GroupID, "用法：/aigm round show|history <回合 ID> [数量]")
		return
	}
	round, err := b.store.GetRoundByID(ctx, roundID)
	if err != nil || round.GameID != game.ID {
		b.postText(ctx, cmd.GroupID, "找不到指定的回合。")
		return
	}
	switch cmd.arg(1) {
	case "show":
		b.postRoundImage(ctx, cmd.GroupID, round.ID)
	case "history":
		b.postHistoryBundle(ctx, cmd.GroupID, round.ID, parseLimit(cmd.arg(3)))
	default:
		b.postText(ctx, cmd.GroupID, "用法：/aigm round show|history <回合 ID> [数量]")
	}
}

func (b *Bot) cmdBranchHistory(ctx context.Context, cmd Command, game *store.Game) {
	name := cmd.arg(2)
	limit := parseLimit(cmd.arg(3))

	var tipRoundID *int64
	if name == "" || name == store.ReservedBranchName {
		if game.HeadBranchID == nil {
			b.postText(ctx, cmd.GroupID, msgNoGame)
			return
		}
		branch, err := b.store.GetBranchByID(ctx, *game.HeadBranchID)
		if err != nil {
			b.postError(ctx, cmd.GroupID, err, msgNoGame)
			return
		}
		tipRoundID = branch.TipRoundID
	} else {
		// A bare number in the name slot is a limit on HEAD history.
		if n, err := strconv.Atoi(name); err == nil {
			b.cmdBranchHistory(ctx, Command{GroupID: cmd.GroupID, UserID: cmd.UserID, Args: []string{"branch", "history", "", strconv.Itoa(n)}}, game)
			return
		}
		branch, err := b.store.GetBranchByName(ctx, game.ID, name)
		if err != nil {
			b.postError(ctx, cmd.GroupID, err, fmt.Sprintf("找不到分支 %q。", name))
			return
		}
		tipRoundID = branch.TipRoundID
	}
	if tipRoundID == nil {
		b.postText(ctx, cmd.GroupID, "该分支还没有任何回合。")
		return
	}
	b.postHistoryBundle(ctx, cmd.GroupID, *tipRoundID, limit)
}

func (b *Bot) cmdTag(ctx context.Context, cmd Command) {
	game := b.channelGame(ctx, cmd.GroupID, false)
	if game == nil {
		return
	}
	switch cmd.arg(1) {
	case "list", "":
		tags, err := b.store.ListTags(ctx, game.ID)
		if err != nil {
			b.postError(ctx, cmd.GroupID, err, msgNoGame)
			return
		}
		if len(tags) == 0 {
			b.postText(ctx, cmd.GroupID, "本局游戏还没有标签。")
			return
		}
		var sb strings.Builder
		sb.WriteString("🏷 标签列表\n")
		for _, tag := range tags {
			fmt.Fprintf(&sb, "- %s → 回合 #%d（%s）\n", tag.Name, tag.RoundID, formatTs(tag.CreatedTs))
		}
		b.postText(ctx, cmd.GroupID, strings.TrimRight(sb.String(), "\n"))
	case "show":
		tag, err := b.store.GetTagByName(ctx, game.ID, cmd.arg(2))
		if err != nil {
			b.postError(ctx, cmd.GroupID, err, fmt.Sprintf("找不到标签 %q。", cmd.arg(2)))
			return
		}
		b.postRoundImage(ctx, cmd.GroupID, tag.RoundID)
	case "history":
		tag, err := b.store.GetTagByName(ctx, game.ID, cmd.arg(2))
		if err != nil {
			b.postError(ctx, cmd.GroupID, err, fmt.Sprintf("找不到标签 %q。", cmd.arg(2)))
			return
		}
		b.postHistoryBundle(ctx, cmd.GroupID, tag.RoundID, parseLimit(cmd.arg(3)))
	case "create":
		if !b.requirePrivilege(ctx, cmd, game, "需要群管理员、主持人或 root。") {
			return
		}
		name := cmd.arg(2)
		if msg := validateRefName(name); msg != "" {
			b.postText(ctx, cmd.GroupID, msg)
			return
		}
		roundID, err := b.resolveTagRound(ctx, game, cmd.arg(3))
		if err != nil {
			b.postError(ctx, cmd.GroupID, err, "找不到指定的回合。")
			return
		}
		if _, err := b.store.CreateTag(ctx, &store.CreateTag{GameID: game.ID, Name: name, RoundID: roundID}); err != nil {
			b.postError(ctx, cmd.GroupID, err, "找不到指定的回合。")
			return
		}
		b.postText(ctx, cmd.GroupID, fmt.Sprintf("🏷 标签 %s 已创建，指向回合 #%d。", name, roundID))
	case "delete":
		if !b.requirePrivilege(ctx, cmd, game, "需要群管理员、主持人或 root。") {
			return
		}
		tag, err := b.store.GetTagByName(ctx, game.ID, cmd.arg(2))
		if err != nil {
			b.postError(ctx, cmd.GroupID, err, fmt.Sprintf("找不到标签 %q。", cmd.arg(2)))
			return
		}
		if err := b.store.DeleteTag(ctx, tag.ID); err != nil {
			b.postError(ctx, cmd.GroupID, err, fmt.Sprintf("找不到标签 %q。", cmd.arg(2)))
			return
		}
		b.postText(ctx, cmd.GroupID, fmt.Sprintf("标签 %s 已删除。", tag.Name))
	default:
		b.postText(ctx, cmd.GroupID, "用法：/aigm tag list|show|history|create|delete")
	}
}

func (b *Bot) resolveTagRound(ctx context.Context, game *store.Game, raw string) (int64, error) {
	if raw != "" {
		roundID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, store.ErrNotFound
		}
		round, err := b.store.GetRoundByID(ctx, roundID)
		if err != nil {
			return 0, err
		}
		if round.GameID != game.ID {
			return 0, store.ErrNotFound
		}
		return roundID, nil
	}
	if game.HeadBranchID == nil {
		return 0, store.ErrNotFound
	}
	branch, err := b.store.GetBranchByID(ctx, *game.HeadBranchID)
	if err != nil {
		return 0, err
	}
	if branch.TipRoundID == nil {
		return 0, store.ErrNotFound
	}
	return *branch.TipRoundID, nil
}

func (b *Bot) cmdAdmin(ctx context.Context, cmd Command) {
	switch cmd.arg(1) {
	case "unfreeze":
		game := b.channelGame(ctx, cmd.GroupID, false)
		if game == nil || !b.requirePrivilege(ctx, cmd, game, "需要群管理员、主持人或 root。") {
			return
		}
		if err := b.engine.Unfreeze(ctx, game.ID); err != nil {
			b.postError(ctx, cmd.GroupID, err, msgNoGame)
			return
		}
		b.postText(ctx, cmd.GroupID, "🧊 游戏已解冻。")
	case "delete":
		if !b.requireRoot(ctx, cmd) {
			return
		}
		gameID, err := strconv.ParseInt(cmd.arg(2), 10, 64)
		if err != nil {
			b.postText(ctx, cmd.GroupID, "用法：/aigm admin delete <游戏 ID>")
			return
		}
		game, err := b.store.GetGameByID(ctx, gameID)
		if err != nil {
			b.postError(ctx, cmd.GroupID, err, "找不到该游戏。")
			return
		}
		if err := b.store.DeleteGame(ctx, gameID); err != nil {
			b.postError(ctx, cmd.GroupID, err, "找不到该游戏。")
			return
		}
		if game.ChannelID != nil {
			b.cache.ClearGroupVotes(*game.ChannelID)
		}
		b.postText(ctx, cmd.GroupID, fmt.Sprintf("游戏 %d 已删除。", gameID))
	case "refresh-tunnel":
		if !b.requireRoot(ctx, cmd) {
			return
		}
		if b.web == nil {
			b.postText(ctx, cmd.GroupID, "本实例未启用 Web UI。")
			return
		}
		if err := b.web.RefreshTunnel(ctx); err != nil {
			slog.Error("failed to refresh tunnel", "error", err)
			b.postText(ctx, cmd.GroupID, msgInternalError)
			return
		}
		b.postText(ctx, cmd.GroupID, "🌐 隧道已刷新: "+b.web.PublicURL())
	case "clear-help-cache":
		if !b.requireRoot(ctx, cmd) {
			return
		}
		b.renderer.ClearHelpCache()
		b.postText(ctx, cmd.GroupID, "帮助页缓存已清除。")
	default:
		b.postText(ctx, cmd.GroupID, "用法：/aigm admin unfreeze|delete|refresh-tunnel|clear-help-cache")
	}
}

func (b *Bot) cmdAdvancedMode(ctx context.Context, cmd Command) {
	switch cmd.arg(1) {
	case "enable", "disable":
		game := b.channelGame(ctx, cmd.GroupID, true)
		if !b.requirePrivilege(ctx, cmd, game, "需要群管理员、主持人或 root。") {
			return
		}
		enabled := cmd.arg(1) == "enable"
		if err := b.channels.SetAdvancedMode(cmd.GroupID, enabled); err != nil {
			slog.Error("failed to save channel config", "group", cmd.GroupID, "error", err)
			b.postText(ctx, cmd.GroupID, msgInternalError)
			return
		}
		if enabled {
			b.postText(ctx, cmd.GroupID, "⚡ 高级模式已开启：后续剧情将以网页链接发布。")
		} else {
			b.postText(ctx, cmd.GroupID, "高级模式已关闭：后续剧情将以图片发布。")
		}
	case "status", "":
		if b.channels.AdvancedMode(cmd.GroupID) {
			b.postText(ctx, cmd.GroupID, "高级模式：开启")
		} else {
			b.postText(ctx, cmd.GroupID, "高级模式：关闭")
		}
	default:
		b.postText(ctx, cmd.GroupID, "用法：/aigm advanced-mode enable|disable|status")
	}
}

// postRoundImage renders one round and posts it.
func (b *Bot) postRoundImage(ctx context.Context, groupID string, roundID int64) {
	round, err := b.store.GetRoundByID(ctx, roundID)
	if err != nil {
		b.postError(ctx, groupID, err, "找不到指定的回合。")
		return
	}
	image, err := b.renderer.RenderMarkdown(ctx, round.AssistantResponse, "")
	if err != nil {
		slog.Error("failed to render round", "round_id", roundID, "error", err)
		b.postText(ctx, groupID, msgInternalError)
		return
	}
	b.postImage(ctx, groupID, image)
}

func parseLimit(raw string) int {
	limit := historyDefaultLimit
	if raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	return limit
}

func formatTs(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04")
}
