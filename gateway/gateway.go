// Package gateway defines the interfaces through which the narrative core
// talks to its surroundings: the chat platform, the markdown renderer, the
// branch-graph visualizer, the web exposer and the RBAC oracle. The core
// consumes these; concrete adapters live outside this module.
package gateway

import "context"

// Role is a member's standing within a group as reported by the platform.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// StructuredMessage is a rich outgoing message: optional mentions, text,
// and an optional reply reference.
type StructuredMessage struct {
	MentionUserIDs   []string
	Text             string
	ReplyToMessageID string
}

// ForwardEntry is one element of a forwarded bundle. DisplayName is the
// synthetic author shown for the entry.
type ForwardEntry struct {
	DisplayName string
	Text        string
	Image       []byte
}

// ChatGateway is the chat-platform adapter. All operations may fail;
// reaction attachment failures are treated as non-fatal by callers.
type ChatGateway interface {
	// PostText posts a plain text message and returns its message id.
	PostText(ctx context.Context, groupID, text string) (string, error)
	// PostImage posts an image from raw bytes and returns its message id.
	PostImage(ctx context.Context, groupID string, image []byte) (string, error)
	// PostImageURL posts an image by URL and returns its message id.
	PostImageURL(ctx context.Context, groupID, url string) (string, error)
	// PostStructured posts a message with mentions and/or a reply
	// reference and returns its message id.
	PostStructured(ctx context.Context, groupID string, msg *StructuredMessage) (string, error)
	// PostForwardBundle posts the entries as one forwarded bundle.
	PostForwardBundle(ctx context.Context, groupID string, entries []ForwardEntry) error
	// AttachReaction adds the bot's reaction emoji to a message.
	AttachReaction(ctx context.Context, groupID, messageID, emojiID string) error
	// DetachReaction removes the bot's reaction emoji from a message.
	DetachReaction(ctx context.Context, groupID, messageID, emojiID string) error
	// DeleteMessage removes a message the bot may delete.
	DeleteMessage(ctx context.Context, groupID, messageID string) error
	// FetchMessageText returns the text of a message by id.
	FetchMessageText(ctx context.Context, groupID, messageID string) (string, error)
	// FetchMemberRole returns the user's role within the group.
	FetchMemberRole(ctx context.Context, groupID, userID string) (Role, error)
	// FetchReactionList returns the emoji ids currently attached to the
	// message, with voter counts.
	FetchReactionList(ctx context.Context, groupID, messageID string) (map[string]int, error)
}

// AuthOracle answers meta-role questions. The core only consults "root".
type AuthOracle interface {
	HasRole(ctx context.Context, userID, role string) bool
}

// Renderer turns Markdown into images. RenderHelpPage is expected to cache
// its result until ClearHelpCache.
type Renderer interface {
	RenderMarkdown(ctx context.Context, markdown, extraHeader string) ([]byte, error)
	RenderHelpPage(ctx context.Context) ([]byte, error)
	ClearHelpCache()
}

// Visualizer draws a game's branch structure.
type Visualizer interface {
	// CreateBranchGraph renders the simplified branch graph.
	CreateBranchGraph(ctx context.Context, gameID int64) ([]byte, error)
	// CreateFullBranchGraph renders the graph with every round node.
	CreateFullBranchGraph(ctx context.Context, gameID int64) ([]byte, error)
}

// WebExposer publishes the optional web surface. The core only mints URLs
// and asks for tunnel refreshes; serving is out of scope.
type WebExposer interface {
	PublicURL() string
	GameURL(gameID int64) string
	StartURL(token string) string
	RefreshTunnel(ctx context.Context) error
}

// GatewayError represents a failure in a gateway operation.
type GatewayError struct {
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the operation may be retried.
func (e *GatewayError) IsRetryable() bool {
	switch e.Code {
	case "NOT_FOUND", "FORBIDDEN", "BAD_REQUEST":
		return false
	default:
		return true
	}
}
