package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
	ChatTitle    string // group/channel title (empty for private chats)
}

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	MessageID    int
	Data         string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	PhotoURL           string // when set, the message is sent as a photo with Text as caption
	ReplyMarkupAdapter any    // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// MembershipStatus is the closed set of states a user can have in a channel.
// Anything the platform reports outside this set maps to StatusNotFound.
type MembershipStatus string

const (
	StatusOwner         MembershipStatus = "owner"
	StatusAdministrator MembershipStatus = "administrator"
	StatusMember        MembershipStatus = "member"
	StatusLeft          MembershipStatus = "left"
	StatusBanned        MembershipStatus = "banned"
	StatusNotFound      MembershipStatus = "not_found"
)

// Satisfies reports whether this status passes a membership gate.
func (s MembershipStatus) Satisfies() bool {
	switch s {
	case StatusOwner, StatusAdministrator, StatusMember:
		return true
	default:
		return false
	}
}

type ChatInfo struct {
	ID         int64
	Title      string
	Username   string // public @name (empty for private channels)
	InviteLink string // primary invite link when the bot can see one
}

// Adapter is the chat-platform client surface the rest of the bot consumes.
// Implementations must be safe for concurrent use.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photoURL, caption string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string, alert bool) error

	// GetChatMember resolves a user's membership in a channel.
	// A query failure is an error, not a status; callers decide how to gate on it.
	GetChatMember(ctx context.Context, channelID, userID int64) (MembershipStatus, error)

	// GetChat probes a channel for existence and bot visibility.
	GetChat(ctx context.Context, chatID int64) (ChatInfo, error)
}
