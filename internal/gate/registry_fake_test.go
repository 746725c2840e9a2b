package gate

import (
	"context"
	"sync"
	"time"

	"gatebot/internal/registry"
)

// fakeRegistry is an in-memory registry.Registry for controller tests.
type fakeRegistry struct {
	mu       sync.Mutex
	users    map[int64]string
	chats    map[int64]string
	channels []int64
	userErr  error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{users: map[int64]string{}, chats: map[int64]string{}}
}

func (f *fakeRegistry) UpsertChannel(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.channels {
		if c == id {
			return nil
		}
	}
	f.channels = append(f.channels, id)
	return nil
}

func (f *fakeRegistry) RemoveChannel(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.channels[:0]
	for _, c := range f.channels {
		if c != id {
			out = append(out, c)
		}
	}
	f.channels = out
	return nil
}

func (f *fakeRegistry) ListRequiredChannels(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.channels...), nil
}

func (f *fakeRegistry) UpsertUser(ctx context.Context, userID int64, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userErr != nil {
		return f.userErr
	}
	f.users[userID] = username
	return nil
}

func (f *fakeRegistry) UpsertChat(ctx context.Context, chatID int64, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[chatID] = title
	return nil
}

func (f *fakeRegistry) ListAllUsers(ctx context.Context) ([]registry.UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.UserRecord, 0, len(f.users))
	for id, name := range f.users {
		out = append(out, registry.UserRecord{UserID: id, Username: name, LastSeen: time.Now()})
	}
	return out, nil
}

func (f *fakeRegistry) ListAllChats(ctx context.Context) ([]registry.ChatRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.ChatRecord, 0, len(f.chats))
	for id, title := range f.chats {
		out = append(out, registry.ChatRecord{ChatID: id, Title: title, LastSeen: time.Now()})
	}
	return out, nil
}

func (f *fakeRegistry) Counts(ctx context.Context) (registry.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return registry.Stats{
		Users:    int64(len(f.users)),
		Chats:    int64(len(f.chats)),
		Channels: int64(len(f.channels)),
	}, nil
}

func (f *fakeRegistry) Close() error { return nil }
