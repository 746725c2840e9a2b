package gate

import (
	"context"
	"errors"
	"sync"

	"gatebot/internal/transport"
)

// fakeAdapter implements the transport surfaces the gate consumes.
// Membership and chat visibility are programmable per channel.
type fakeAdapter struct {
	mu sync.Mutex

	members map[int64]transport.MembershipStatus // channelID -> status for the test user
	memErr  map[int64]error                      // channelID -> query error
	chats   map[int64]transport.ChatInfo
	chatErr map[int64]error

	sent     []sentMessage
	edits    []transport.MessageRef
	answers  []string
	sendErr  error
	memCalls []int64 // order of GetChatMember calls
}

type sentMessage struct {
	To    transport.ChatTarget
	Text  string
	Photo string
	Opt   *transport.SendOptions
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		members: map[int64]transport.MembershipStatus{},
		memErr:  map[int64]error{},
		chats:   map[int64]transport.ChatInfo{},
		chatErr: map[int64]error{},
	}
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.MessageRef{}, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{To: to, Text: text, Opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) SendPhoto(ctx context.Context, to transport.ChatTarget, photoURL, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.MessageRef{}, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{To: to, Text: caption, Photo: photoURL, Opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, ref)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) GetChatMember(ctx context.Context, channelID, userID int64) (transport.MembershipStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memCalls = append(f.memCalls, channelID)
	if err := f.memErr[channelID]; err != nil {
		return transport.StatusNotFound, err
	}
	if st, ok := f.members[channelID]; ok {
		return st, nil
	}
	return transport.StatusNotFound, nil
}

func (f *fakeAdapter) GetChat(ctx context.Context, chatID int64) (transport.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.chatErr[chatID]; err != nil {
		return transport.ChatInfo{}, err
	}
	if info, ok := f.chats[chatID]; ok {
		return info, nil
	}
	return transport.ChatInfo{}, errors.New("chat not visible")
}

func (f *fakeAdapter) lastSent() (sentMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMessage{}, false
	}
	return f.sent[len(f.sent)-1], true
}
