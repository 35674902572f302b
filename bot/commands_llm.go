package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/taleforge/ai/llm"
	"github.com/hrygo/taleforge/ai/preset"
)

func llmCredentials(model, baseURL, apiKey string) llm.Credentials {
	return llm.Credentials{Model: model, BaseURL: baseURL, APIKey: apiKey}
}

// handlePrivateCommand serves the preset-management tree. Preset secrets
// only ever travel through private chat.
func (b *Bot) handlePrivateCommand(ctx context.Context, cmd Command) {
	if cmd.arg(0) != "llm" {
		b.postText(ctx, cmd.GroupID, "私聊仅支持 /aigm llm add|remove|test|list")
		return
	}
	switch cmd.arg(1) {
	case "add":
		b.cmdLLMAdd(ctx, cmd)
	case "remove":
		name := cmd.arg(2)
		if _, err := b.broker.RemovePreset(cmd.UserID, name); err != nil {
			b.postText(ctx, cmd.GroupID, err.Error())
			return
		}
		b.postText(ctx, cmd.GroupID, fmt.Sprintf("预设 %s 已删除。", name))
	case "test":
		resolved, err := b.broker.GetPreset(cmd.UserID, cmd.arg(2))
		if err != nil {
			b.postText(ctx, cmd.GroupID, err.Error())
			return
		}
		if err := b.broker.TestPreset(ctx, resolved.Credentials, b.llm); err != nil {
			b.postText(ctx, cmd.GroupID, "❌ "+err.Error())
			return
		}
		b.postText(ctx, cmd.GroupID, "✅ 预设可用。")
	case "list":
		infos := b.broker.ListPresets(cmd.UserID)
		if len(infos) == 0 {
			b.postText(ctx, cmd.GroupID, "你还没有保存任何预设。")
			return
		}
		var sb strings.Builder
		sb.WriteString("🔑 你的预设\n")
		for _, info := range infos {
			fmt.Fprintf(&sb, "- %s: %s @ %s (key: %s)\n", info.Name, info.Model, info.BaseURL, info.MaskedKey)
		}
		b.postText(ctx, cmd.GroupID, strings.TrimRight(sb.String(), "\n"))
	default:
		b.postText(ctx, cmd.GroupID, "用法：/aigm llm add <名称> <模型> <端点> <API Key> [--force] | remove <名称> | test <名称> | list")
	}
}

func (b *Bot) cmdLLMAdd(ctx context.Context, cmd Command) {
	args := cmd.Args[2:]
	force := false
	var fields []string
	for _, a := range args {
		if a == "--force" {
			force = true
			continue
		}
		fields = append(fields, a)
	}
	if len(fields) != 4 {
		b.postText(ctx, cmd.GroupID, "用法：/aigm llm add <名称> <模型> <端点> <API Key> [--force]")
		return
	}
	name, model, baseURL, apiKey := fields[0], fields[1], fields[2], fields[3]

	if !force {
		creds := llmCredentials(model, baseURL, apiKey)
		if err := b.broker.TestPreset(ctx, creds, b.llm); err != nil {
			b.postText(ctx, cmd.GroupID, "❌ "+err.Error()+"\n如仍要保存，请在命令末尾附加 --force。")
			return
		}
	}
	if err := b.broker.AddPreset(cmd.UserID, name, model, baseURL, apiKey); err != nil {
		b.postText(ctx, cmd.GroupID, err.Error())
		return
	}
	b.postText(ctx, cmd.GroupID, fmt.Sprintf("✅ 预设 %s 已保存。", name))
}

// cmdLLMGroup serves the group-side binding tree.
func (b *Bot) cmdLLMGroup(ctx context.Context, cmd Command) {
	switch cmd.arg(1) {
	case "status", "":
		b.postText(ctx, cmd.GroupID, formatBindingStatus(b.broker.BindingStatus(cmd.GroupID)))
	case "bind":
		name := cmd.arg(2)
		if name == "" {
			b.postText(ctx, cmd.GroupID, "用法：/aigm llm bind <预设名> [Nm|Nh|Nd|--session]")
			return
		}
		binding, err := b.broker.BindActive(cmd.GroupID, cmd.UserID, name, cmd.arg(3))
		if err != nil {
			b.postText(ctx, cmd.GroupID, err.Error())
			return
		}
		b.postText(ctx, cmd.GroupID, "🔗 已绑定预设 "+name+bindingExpiry(binding))
	case "unbind":
		privileged := b.isPrivileged(ctx, cmd.GroupID, cmd.UserID, nil)
		if err := b.broker.Unbind(cmd.GroupID, cmd.UserID, privileged); err != nil {
			b.postText(ctx, cmd.GroupID, err.Error())
			return
		}
		b.postText(ctx, cmd.GroupID, "已解除本群的 LLM 绑定。")
	case "set-fallback":
		if !b.requirePrivilege(ctx, cmd, nil, "需要群管理员或 root。") {
			return
		}
		name := cmd.arg(2)
		if err := b.broker.SetFallback(cmd.GroupID, cmd.UserID, name); err != nil {
			b.postText(ctx, cmd.GroupID, err.Error())
			return
		}
		b.postText(ctx, cmd.GroupID, fmt.Sprintf("已将 %s 设为本群的兜底预设。", name))
	case "clear-fallback":
		if !b.requirePrivilege(ctx, cmd, nil, "需要群管理员或 root。") {
			return
		}
		if err := b.broker.ClearFallback(cmd.GroupID); err != nil {
			if errors.Is(err, preset.ErrNoBinding) {
				b.postText(ctx, cmd.GroupID, "本群没有兜底预设。")
				return
			}
			b.postText(ctx, cmd.GroupID, err.Error())
			return
		}
		b.postText(ctx, cmd.GroupID, "已清除本群的兜底预设。")
	default:
		b.postText(ctx, cmd.GroupID, "用法：/aigm llm status|bind|unbind|set-fallback|clear-fallback")
	}
}

func formatBindingStatus(s preset.Status) string {
	var sb strings.Builder
	sb.WriteString("🤖 本群 LLM 绑定\n")
	if s.Active != nil {
		fmt.Fprintf(&sb, "- 当前: %s（用户 %s）%s\n", s.Active.PresetName, s.Active.OwnerID, bindingExpiry(s.Active))
	} else {
		sb.WriteString("- 当前: 无\n")
	}
	if s.Fallback != nil {
		fmt.Fprintf(&sb, "- 兜底: %s（用户 %s）", s.Fallback.PresetName, s.Fallback.OwnerID)
	} else {
		sb.WriteString("- 兜底: 无")
	}
	return sb.String()
}

func bindingExpiry(binding *preset.Binding) string {
	if binding == nil || binding.ExpireAt == nil {
		return ""
	}
	return "，有效期至 " + time.Unix(*binding.ExpireAt, 0).UTC().Format("2006-01-02 15:04")
}
