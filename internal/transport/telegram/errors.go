package telegram

import (
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"gatebot/internal/transport"
)

// classifySendError maps telebot errors onto the transport error taxonomy so
// callers never have to know telebot exists.
//
//   - flood wait          -> *transport.RateLimitedError (with the demanded wait)
//   - blocked/gone target -> *transport.PermanentSendError
//   - everything else     -> passed through (transient by default)
func classifySendError(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}

	for _, perm := range permanentErrs {
		if errors.Is(err, perm) {
			return &transport.PermanentSendError{Reason: perm.Error()}
		}
	}

	// Telebot does not export sentinels for every API description.
	desc := strings.ToLower(err.Error())
	for _, frag := range permanentFragments {
		if strings.Contains(desc, frag) {
			return &transport.PermanentSendError{Reason: err.Error()}
		}
	}

	return err
}

var permanentErrs = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrKickedFromChannel,
	tele.ErrNotStartedByUser,
	tele.ErrNoRightsToSend,
}

var permanentFragments = []string{
	"bot was blocked",
	"user is deactivated",
	"chat not found",
	"bot was kicked",
	"peer_id_invalid",
}

// isUserNotFound detects the "participant not found" family of responses to
// getChatMember, which mean the user simply was never in the chat.
func isUserNotFound(err error) bool {
	if err == nil {
		return false
	}
	desc := strings.ToLower(err.Error())
	return strings.Contains(desc, "participant_id_invalid") ||
		strings.Contains(desc, "user not found") ||
		strings.Contains(desc, "member not found")
}
