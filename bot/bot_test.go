package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/taleforge/ai/llm"
	"github.com/hrygo/taleforge/ai/preset"
	"github.com/hrygo/taleforge/cache"
	"github.com/hrygo/taleforge/engine"
	"github.com/hrygo/taleforge/gateway"
	"github.com/hrygo/taleforge/internal/profile"
	"github.com/hrygo/taleforge/store"
	"github.com/hrygo/taleforge/store/db/sqlite"
)

const (
	testGroup = "oc_group_1"
	testHost  = "ou_host"
	testAdmin = "ou_admin"
	testUser  = "ou_member"
	testRoot  = "ou_root"
	botSelfID = "ou_bot"
)

type posted struct {
	id    string
	group string
	text  string
}

type fakeChat struct {
	mu        sync.Mutex
	seq       int
	texts     []posted
	imageIDs  []string
	reactions map[string][]string
	deleted   []string
	content   map[string]string
	roles     map[string]gateway.Role
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		reactions: make(map[string][]string),
		content:   make(map[string]string),
		roles:     map[string]gateway.Role{testAdmin: gateway.RoleAdmin},
	}
}

func (f *fakeChat) nextID() string {
	f.seq++
	return fmt.Sprintf("om_%d", f.seq)
}

func (f *fakeChat) PostText(_ context.Context, groupID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID()
	f.texts = append(f.texts, posted{id: id, group: groupID, text: text})
	return id, nil
}

func (f *fakeChat) PostImage(_ context.Context, _ string, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID()
	f.imageIDs = append(f.imageIDs, id)
	return id, nil
}

func (f *fakeChat) PostImageURL(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID(), nil
}

func (f *fakeChat) PostStructured(_ context.Context, groupID string, msg *gateway.StructuredMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID()
	f.texts = append(f.texts, posted{id: id, group: groupID, text: msg.Text})
	return id, nil
}

func (f *fakeChat) PostForwardBundle(_ context.Context, _ string, _ []gateway.ForwardEntry) error {
	return nil
}

func (f *fakeChat) AttachReaction(_ context.Context, _, messageID, emojiID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[messageID] = append(f.reactions[messageID], emojiID)
	return nil
}

func (f *fakeChat) DetachReaction(_ context.Context, _, _, _ string) error { return nil }

func (f *fakeChat) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeChat) FetchMessageText(_ context.Context, _, messageID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if text, ok := f.content[messageID]; ok {
		return text, nil
	}
	return "", &gateway.GatewayError{Code: "NOT_FOUND", Message: "no such message"}
}

func (f *fakeChat) FetchMemberRole(_ context.Context, _, userID string) (gateway.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if role, ok := f.roles[userID]; ok {
		return role, nil
	}
	return gateway.RoleMember, nil
}

func (f *fakeChat) FetchReactionList(_ context.Context, _, _ string) (map[string]int, error) {
	return nil, nil
}

func (f *fakeChat) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1].text
}

func (f *fakeChat) lastTextID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1].id
}

func (f *fakeChat) hasText(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.texts {
		if strings.Contains(p.text, substr) {
			return true
		}
	}
	return false
}

type fakeRenderer struct{}

func (fakeRenderer) RenderMarkdown(_ context.Context, _, _ string) ([]byte, error) {
	return []byte("png"), nil
}
func (fakeRenderer) RenderHelpPage(_ context.Context) ([]byte, error) { return []byte("png"), nil }
func (fakeRenderer) ClearHelpCache()                                  {}

type fakeAuth struct{}

func (fakeAuth) HasRole(_ context.Context, userID, role string) bool {
	return role == "root" && userID == testRoot
}

type fakeWeb struct{}

func (fakeWeb) PublicURL() string               { return "https://tale.example.com" }
func (fakeWeb) GameURL(gameID int64) string     { return fmt.Sprintf("https://tale.example.com/game/%d", gameID) }
func (fakeWeb) StartURL(token string) string    { return "https://tale.example.com/start/" + token }
func (fakeWeb) RefreshTunnel(_ context.Context) error { return nil }

type fakeVisual struct{}

func (fakeVisual) CreateBranchGraph(_ context.Context, _ int64) ([]byte, error)     { return []byte("g"), nil }
func (fakeVisual) CreateFullBranchGraph(_ context.Context, _ int64) ([]byte, error) { return []byte("G"), nil }

type harness struct {
	bot   *Bot
	store *store.Store
	cache *cache.VolatileCache
	chat  *fakeChat
}

func completionJSON(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"model":   "test-model",
		"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
		"usage":   map[string]any{"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionJSON("剧情推进。"))
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	p := &profile.Profile{
		Mode:                  "dev",
		Data:                  dir,
		Driver:                "sqlite",
		DSN:                   filepath.Join(dir, "taleforge.db"),
		PendingTimeoutSeconds: 300,
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	vc := cache.New(filepath.Join(dir, "cache.json"), nil)
	t.Cleanup(vc.Close)

	broker, err := preset.NewBroker(dir)
	require.NoError(t, err)
	require.NoError(t, broker.AddPreset(testRoot, "default", "test-model", server.URL, "sk-test-0123456789"))
	require.NoError(t, broker.SetFallback(testGroup, testRoot, "default"))

	client := llm.NewClient(llm.Options{MaxRetries: 0}, nil)
	t.Cleanup(client.Close)

	channels, err := NewChannelConfig(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = channels.Close() })

	chat := newFakeChat()
	eng := engine.New(st, vc, broker, client, chat, fakeRenderer{}, fakeWeb{}, channels, nil)

	b := New(Config{
		Profile:    p,
		Engine:     eng,
		Store:      st,
		Cache:      vc,
		Broker:     broker,
		LLM:        client,
		Chat:       chat,
		Auth:       fakeAuth{},
		Renderer:   fakeRenderer{},
		Visual:     fakeVisual{},
		Web:        fakeWeb{},
		Channels:   channels,
		SelfUserID: botSelfID,
	})
	return &harness{bot: b, store: st, cache: vc, chat: chat}
}

// startGame drives the proposal flow end to end: /aigm start, then the
// originator confirms on the preview.
func (h *harness) startGame(t *testing.T) *store.Game {
	t.Helper()
	h.bot.HandleCommand(context.Background(), Command{
		GroupID:   testGroup,
		UserID:    testHost,
		MessageID: "om_upload",
		Args:      []string{"start", "世界观:", "废土"},
	})
	previewID := h.chat.lastTextID()
	require.NotEmpty(t, previewID)

	h.bot.HandleReaction(context.Background(), ReactionEvent{
		GroupID:   testGroup,
		MessageID: previewID,
		UserID:    testHost,
		EmojiID:   gateway.EmojiConfirm,
		IsAdd:     true,
	})

	game, err := h.store.GetGameByChannelID(context.Background(), testGroup)
	require.NoError(t, err)
	return game
}
