package preset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hrygo/taleforge/ai/llm"
)

const (
	presetsFileName = "llm_presets.json"
	keyFileName     = ".secret.key"

	testCallTimeout = 30 * time.Second
)

var presetNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// Sentinel errors surfaced to the command layer.
var (
	ErrPresetNotFound = errors.New("预设不存在")
	ErrNoBinding      = errors.New("当前群组未绑定任何 LLM 预设")
)

// storedPreset is the on-disk form; api_key is encrypted base64.
type storedPreset struct {
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// Binding ties a group to one user's preset. ExpireAt is UTC epoch
// seconds; nil means permanent.
type Binding struct {
	OwnerID    string `json:"owner_id"`
	PresetName string `json:"preset_name"`
	BoundAt    int64  `json:"bound_at"`
	ExpireAt   *int64 `json:"expire_at"`
}

// Valid reports whether the binding is unexpired at time now.
func (b *Binding) Valid(now time.Time) bool {
	if b == nil {
		return false
	}
	return b.ExpireAt == nil || now.Unix() < *b.ExpireAt
}

type groupBinding struct {
	Active   *Binding `json:"active"`
	Fallback *Binding `json:"fallback"`
}

type presetFile struct {
	UserPresets   map[string]map[string]storedPreset `json:"user_presets"`
	GroupBindings map[string]*groupBinding           `json:"group_bindings"`
}

// Info is one listing entry; the API key is masked.
type Info struct {
	Name      string
	Model     string
	BaseURL   string
	MaskedKey string
}

// Resolved is a decrypted preset ready for a completion call.
type Resolved struct {
	OwnerID     string
	Name        string
	Credentials llm.Credentials
}

// Source of a resolved binding.
const (
	SourceActive   = "active"
	SourceFallback = "fallback"
)

// Broker owns the preset store and the group bindings. All state lives in
// llm_presets.json under the data directory; writes go through an atomic
// temp-file-then-rename and the file keeps mode 0600.
type Broker struct {
	path string
	key  []byte

	mu   sync.Mutex
	data presetFile
}

// NewBroker loads (or initializes) the preset store in dataDir.
func NewBroker(dataDir string) (*Broker, error) {
	key, err := loadOrCreateKey(filepath.Join(dataDir, keyFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to load cipher key: %w", err)
	}

	b := &Broker{
		path: filepath.Join(dataDir, presetsFileName),
		key:  key,
		data: presetFile{
			UserPresets:   make(map[string]map[string]storedPreset),
			GroupBindings: make(map[string]*groupBinding),
		},
	}

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &b.data); err != nil {
		return nil, fmt.Errorf("failed to parse preset store: %w", err)
	}
	if b.data.UserPresets == nil {
		b.data.UserPresets = make(map[string]map[string]storedPreset)
	}
	if b.data.GroupBindings == nil {
		b.data.GroupBindings = make(map[string]*groupBinding)
	}
	return b, nil
}

// validatePreset checks the user-supplied fields before encryption.
func validatePreset(name, model, baseURL, apiKey string) error {
	if !presetNamePattern.MatchString(name) {
		return errors.New("预设名称需为 1-50 位字母、数字、下划线或连字符")
	}
	if model == "" {
		return errors.New("模型名称不能为空")
	}
	u, err := url.Parse(baseURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("Base URL 必须是合法的 http/https 地址")
	}
	if len(apiKey) < 10 || len(apiKey) > 500 {
		return errors.New("API Key 长度需在 10-500 字符之间")
	}
	return nil
}

// AddPreset validates, encrypts and stores a preset, overwriting any
// existing preset of the same name.
func (b *Broker) AddPreset(ownerID, name, model, baseURL, apiKey string) error {
	if err := validatePreset(name, model, baseURL, apiKey); err != nil {
		return err
	}

	encrypted, err := encryptSecret(b.key, apiKey)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	userPresets, ok := b.data.UserPresets[ownerID]
	if !ok {
		userPresets = make(map[string]storedPreset)
		b.data.UserPresets[ownerID] = userPresets
	}
	userPresets[name] = storedPreset{Model: model, BaseURL: baseURL, APIKey: encrypted}
	return b.saveLocked()
}

// RemovePreset deletes a preset unless a group still references it; the
// returned list names the referring groups when removal is refused.
func (b *Broker) RemovePreset(ownerID, name string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	userPresets, ok := b.data.UserPresets[ownerID]
	if !ok {
		return nil, ErrPresetNotFound
	}
	if _, ok := userPresets[name]; !ok {
		return nil, ErrPresetNotFound
	}

	var referrers []string
	for groupID, gb := range b.data.GroupBindings {
		if refersTo(gb.Active, ownerID, name) || refersTo(gb.Fallback, ownerID, name) {
			referrers = append(referrers, groupID)
		}
	}
	if len(referrers) > 0 {
		sort.Strings(referrers)
		return referrers, fmt.Errorf("预设仍被 %d 个群组绑定，无法删除", len(referrers))
	}

	delete(userPresets, name)
	if len(userPresets) == 0 {
		delete(b.data.UserPresets, ownerID)
	}
	return nil, b.saveLocked()
}

func refersTo(binding *Binding, ownerID, name string) bool {
	return binding != nil && binding.OwnerID == ownerID && binding.PresetName == name
}

// ListPresets returns the owner's presets with masked keys, sorted by
// name. Presets whose key no longer decrypts are logged and omitted.
func (b *Broker) ListPresets(ownerID string) []Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	var infos []Info
	for name, p := range b.data.UserPresets[ownerID] {
		apiKey, err := decryptSecret(b.key, p.APIKey)
		if err != nil {
			slog.Warn("omitting preset with undecryptable api key", "owner", ownerID, "preset", name, "error", err)
			continue
		}
		infos = append(infos, Info{
			Name:      name,
			Model:     p.Model,
			BaseURL:   p.BaseURL,
			MaskedKey: maskKey(apiKey),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func maskKey(apiKey string) string {
	if len(apiKey) <= 4 {
		return "***"
	}
	return "***" + apiKey[len(apiKey)-4:]
}

// GetPreset returns the decrypted preset for a completion call.
func (b *Broker) GetPreset(ownerID, name string) (*Resolved, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolvePresetLocked(ownerID, name)
}

func (b *Broker) resolvePresetLocked(ownerID, name string) (*Resolved, error) {
	p, ok := b.data.UserPresets[ownerID][name]
	if !ok {
		return nil, ErrPresetNotFound
	}
	apiKey, err := decryptSecret(b.key, p.APIKey)
	if err != nil {
		slog.Error("preset api key failed to decrypt", "owner", ownerID, "preset", name, "error", err)
		return nil, ErrInvalidCiphertext
	}
	return &Resolved{
		OwnerID: ownerID,
		Name:    name,
		Credentials: llm.Credentials{
			Model:   p.Model,
			BaseURL: p.BaseURL,
			APIKey:  apiKey,
		},
	}, nil
}

// BindActive leases the group's active binding to the owner's preset.
// First-come-first-served: while another user holds a valid active
// binding the call fails; the current owner may rebind to refresh or
// change the lease. durationSpec goes through ParseLeaseDuration.
func (b *Broker) BindActive(groupID, ownerID, name, durationSpec string) (*Binding, error) {
	duration, err := ParseLeaseDuration(durationSpec)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.data.UserPresets[ownerID][name]; !ok {
		return nil, ErrPresetNotFound
	}

	now := time.Now().UTC()
	gb := b.groupLocked(groupID)
	if gb.Active.Valid(now) && gb.Active.OwnerID != ownerID {
		return nil, fmt.Errorf("该群已被用户 %s 绑定", gb.Active.OwnerID)
	}

	binding := &Binding{OwnerID: ownerID, PresetName: name, BoundAt: now.Unix()}
	if duration != nil {
		expireAt := now.Add(*duration).Unix()
		binding.ExpireAt = &expireAt
	}
	gb.Active = binding
	if err := b.saveLocked(); err != nil {
		return nil, err
	}
	return binding, nil
}

// Unbind clears the group's active binding. Only its owner (or a
// privileged caller) may do so.
func (b *Broker) Unbind(groupID, requesterID string, privileged bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	gb := b.groupLocked(groupID)
	if gb.Active == nil {
		return ErrNoBinding
	}
	if !privileged && gb.Active.OwnerID != requesterID {
		return fmt.Errorf("该绑定属于用户 %s，你无权解除", gb.Active.OwnerID)
	}
	gb.Active = nil
	return b.saveLocked()
}

// SetFallback sets the group's permanent fallback binding.
func (b *Broker) SetFallback(groupID, ownerID, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.data.UserPresets[ownerID][name]; !ok {
		return ErrPresetNotFound
	}
	gb := b.groupLocked(groupID)
	gb.Fallback = &Binding{OwnerID: ownerID, PresetName: name, BoundAt: time.Now().UTC().Unix()}
	return b.saveLocked()
}

// ClearFallback removes the group's fallback binding.
func (b *Broker) ClearFallback(groupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	gb := b.groupLocked(groupID)
	if gb.Fallback == nil {
		return ErrNoBinding
	}
	gb.Fallback = nil
	return b.saveLocked()
}

// Resolve returns the group's effective credentials: a valid active
// binding wins, else the fallback, else ErrNoBinding. An expired active
// binding is cleared lazily in memory; the write rides the next
// save-triggering operation to keep I/O off this hot path.
func (b *Broker) Resolve(groupID string) (*Resolved, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	gb := b.groupLocked(groupID)

	if gb.Active != nil && !gb.Active.Valid(now) {
		slog.Info("active binding expired, falling through", "group", groupID, "owner", gb.Active.OwnerID)
		gb.Active = nil
	}

	if gb.Active != nil {
		resolved, err := b.resolvePresetLocked(gb.Active.OwnerID, gb.Active.PresetName)
		if err != nil {
			return nil, "", err
		}
		return resolved, SourceActive, nil
	}
	if gb.Fallback != nil {
		resolved, err := b.resolvePresetLocked(gb.Fallback.OwnerID, gb.Fallback.PresetName)
		if err != nil {
			return nil, "", err
		}
		return resolved, SourceFallback, nil
	}
	return nil, "", ErrNoBinding
}

// Status describes the group's bindings for display.
type Status struct {
	Active   *Binding
	Fallback *Binding
}

// BindingStatus returns copies of the group's current bindings.
func (b *Broker) BindingStatus(groupID string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	gb := b.groupLocked(groupID)
	var s Status
	if gb.Active.Valid(time.Now().UTC()) {
		active := *gb.Active
		s.Active = &active
	}
	if gb.Fallback != nil {
		fallback := *gb.Fallback
		s.Fallback = &fallback
	}
	return s
}

// TestPreset issues a minimal completion through client and maps failures
// to curated user-facing messages. Raw provider payloads never escape.
func (b *Broker) TestPreset(ctx context.Context, creds llm.Credentials, client *llm.Client) error {
	ctx, cancel := context.WithTimeout(ctx, testCallTimeout)
	defer cancel()

	_, _, _, err := client.GetCompletion(ctx, []llm.Message{
		llm.SystemPrompt("You are a helpful assistant."),
		llm.UserMessage("Hello"),
	}, creds)
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	switch {
	case errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403):
		return errors.New("API Key 无效")
	case errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 404:
		return errors.New("API 端点不存在")
	case errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429:
		return errors.New("速率限制，请稍后再试")
	case errors.Is(err, context.DeadlineExceeded):
		return errors.New("连接超时")
	default:
		// Sanitized class name only; the raw payload may carry the key.
		return fmt.Errorf("测试失败 (%T)", err)
	}
}

func (b *Broker) groupLocked(groupID string) *groupBinding {
	gb, ok := b.data.GroupBindings[groupID]
	if !ok {
		gb = &groupBinding{}
		b.data.GroupBindings[groupID] = gb
	}
	return gb
}

// saveLocked writes the store atomically: temp file in the same directory,
// fsync-free rename, final mode 0600. Caller holds mu.
func (b *Broker) saveLocked() error {
	data, err := json.MarshalIndent(&b.data, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".llm_presets-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
