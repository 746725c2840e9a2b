package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

type sentText struct {
	ChatID int64
	Text   string
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentText
	answers []string
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentText{ChatID: to.ChatID, Text: text})
	f.mu.Unlock()
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) SendPhoto(ctx context.Context, to transport.ChatTarget, _, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return f.SendText(ctx, to, caption, opt)
}

func (f *fakeAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, id, text string, _ bool) error {
	f.mu.Lock()
	f.answers = append(f.answers, id+"|"+text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) GetChatMember(context.Context, int64, int64) (transport.MembershipStatus, error) {
	return transport.StatusNotFound, nil
}

func (f *fakeAdapter) GetChat(context.Context, int64) (transport.ChatInfo, error) {
	return transport.ChatInfo{}, nil
}

func (f *fakeAdapter) lastSent() (sentText, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentText{}, false
	}
	return f.sent[len(f.sent)-1], true
}

// runDispatch pushes updates through a live dispatch loop and waits for it to drain.
func runDispatch(t *testing.T, r *Router, ups ...transport.Update) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan transport.Update, len(ups))
	for _, up := range ups {
		ch <- up
	}
	close(ch)

	done := make(chan struct{})
	go func() {
		_ = r.DispatchLoop(ctx, ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch loop did not drain")
	}
}

func msgUpdate(chatID, fromID int64, text string, group bool) transport.Update {
	return transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ChatID:  chatID,
			FromID:  fromID,
			Text:    text,
			IsGroup: group,
		},
	}
}

func cbUpdate(chatID, fromID int64, data string) transport.Update {
	return transport.Update{
		Kind: transport.UpdateCallback,
		Callback: &transport.Callback{
			ID:     "cb1",
			ChatID: chatID,
			FromID: fromID,
			Data:   data,
		},
	}
}

func TestCommandDispatch(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)

	var mu sync.Mutex
	var got *Request
	r.Register(Command{
		Name: "ping",
		Handle: func(ctx context.Context, req *Request) error {
			mu.Lock()
			got = req
			mu.Unlock()
			return nil
		},
	})

	runDispatch(t, r, msgUpdate(10, 77, "/ping@somebot arg1 -audience users --dry", false))

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("handler not invoked")
	}
	if got.Command != "ping" || got.Chat.ChatID != 10 || got.FromID != 77 {
		t.Errorf("request = %+v", got)
	}
	if !reflect.DeepEqual(got.Args, []string{"arg1"}) {
		t.Errorf("args = %v", got.Args)
	}
	if got.Flags["audience"] != "users" || !got.BoolFlags["dry"] {
		t.Errorf("flags = %v bools = %v", got.Flags, got.BoolFlags)
	}
	if got.ReqID == "" {
		t.Error("empty request id")
	}
}

func TestCommandAlias(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)

	hit := make(chan struct{}, 1)
	r.Register(Command{
		Name:    "channels",
		Aliases: []string{"ch"},
		Handle: func(context.Context, *Request) error {
			hit <- struct{}{}
			return nil
		},
	})

	runDispatch(t, r, msgUpdate(1, 1, "/ch", false))
	select {
	case <-hit:
	default:
		t.Fatal("alias did not route")
	}
}

func TestOwnerOnlyCommand(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{42})

	var hits int32
	var mu sync.Mutex
	r.Register(Command{
		Name:   "broadcast",
		Access: AccessOwnerOnly,
		Handle: func(context.Context, *Request) error {
			mu.Lock()
			hits++
			mu.Unlock()
			return nil
		},
	})

	runDispatch(t, r, msgUpdate(1, 99, "/broadcast hi", false))
	mu.Lock()
	if hits != 0 {
		t.Fatal("non-owner reached owner-only handler")
	}
	mu.Unlock()
	if last, ok := ad.lastSent(); !ok || last.Text != "unauthorized" {
		t.Fatalf("expected unauthorized reply, got %+v", last)
	}

	runDispatch(t, r, msgUpdate(1, 42, "/broadcast hi", false))
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Fatal("owner was not admitted")
	}
}

func TestDispatchLoopRestart(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)

	var mu sync.Mutex
	var hits int
	r.Register(Command{
		Name: "ping",
		Handle: func(context.Context, *Request) error {
			mu.Lock()
			hits++
			mu.Unlock()
			return nil
		},
	})

	// A stopped router must accept a second dispatch loop.
	runDispatch(t, r, msgUpdate(1, 1, "/ping", false))
	runDispatch(t, r, msgUpdate(1, 1, "/ping", false))

	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Fatalf("hits = %d, want 2", hits)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)

	runDispatch(t, r, msgUpdate(5, 1, "/nosuch", false))
	if last, ok := ad.lastSent(); !ok || !strings.Contains(last.Text, "Unknown command") {
		t.Fatalf("expected unknown-command reply, got %+v", last)
	}

	// Groups stay quiet.
	ad2 := &fakeAdapter{}
	r2 := New(logx.Nop(), ad2, nil)
	runDispatch(t, r2, msgUpdate(-100, 1, "/nosuch", true))
	if _, ok := ad2.lastSent(); ok {
		t.Fatal("group got a reply for an unknown command")
	}
}

func TestFallbackHandler(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)

	hit := make(chan *Request, 1)
	r.SetFallback(func(_ context.Context, req *Request) error {
		hit <- req
		return nil
	})

	runDispatch(t, r, msgUpdate(-200, 3, "hello everyone", true))
	select {
	case req := <-hit:
		if req.Command != "fallback" || req.Chat.ChatID != -200 {
			t.Errorf("fallback request = %+v", req)
		}
	default:
		t.Fatal("fallback not invoked for plain text")
	}
}

func TestCallbackDispatch(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, nil)

	got := make(chan string, 1)
	r.RegisterCallbacks(CallbackRoute{
		Scope:  "gate",
		Action: "recheck",
		Access: CallbackAccessEveryone,
		Handle: func(_ context.Context, _ *Request, payload string) error {
			got <- payload
			return nil
		},
	})

	runDispatch(t, r, cbUpdate(9, 4, "gate:recheck:extra"))
	select {
	case p := <-got:
		if p != "extra" {
			t.Errorf("payload = %q", p)
		}
	default:
		t.Fatal("callback handler not invoked")
	}
}

func TestCallbackOwnerOnlyDefault(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{42})

	var hits int
	var mu sync.Mutex
	r.RegisterCallbacks(CallbackRoute{
		Scope:  "admin",
		Action: "wipe",
		Handle: func(context.Context, *Request, string) error {
			mu.Lock()
			hits++
			mu.Unlock()
			return nil
		},
	})

	runDispatch(t, r, cbUpdate(1, 7, "admin:wipe"))
	mu.Lock()
	defer mu.Unlock()
	if hits != 0 {
		t.Fatal("non-owner triggered owner-only callback")
	}
	ad.mu.Lock()
	answered := len(ad.answers) > 0 && strings.Contains(ad.answers[0], "forbidden")
	ad.mu.Unlock()
	if !answered {
		t.Fatal("expected forbidden callback answer")
	}
}

func TestSetOwnersHotSwap(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{1})
	r.SetOwners([]int64{2})

	if isOwner(1, r.ownersSnapshot()) {
		t.Error("stale owner still accepted")
	}
	if !isOwner(2, r.ownersSnapshot()) {
		t.Error("new owner rejected")
	}
}

func TestHelpFiltersOwnerCommands(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	r := New(logx.Nop(), ad, []int64{42})
	r.Register(
		Command{Name: "start", Description: "start", Handle: func(context.Context, *Request) error { return nil }},
		Command{Name: "broadcast", Description: "send", Access: AccessOwnerOnly, Handle: func(context.Context, *Request) error { return nil }},
	)

	visitor := r.helpText(7)
	if strings.Contains(visitor, "/broadcast") {
		t.Error("owner command leaked into visitor help")
	}
	if !strings.Contains(visitor, "/start") {
		t.Error("public command missing from help")
	}
	owner := r.helpText(42)
	if !strings.Contains(owner, "/broadcast") {
		t.Error("owner help missing owner command")
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/ping", []string{"/ping"}},
		{`/broadcast -audience users "hello there"`, []string{"/broadcast", "-audience", "users", "hello there"}},
		{"  a \t b  ", []string{"a", "b"}},
		{`'single quoted' rest`, []string{"single quoted", "rest"}},
	}
	for _, tc := range cases {
		if got := tokenize(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	pos, flags, bools := parseFlags([]string{"one", "--k=v", "-audience", "chats", "--dry", "two"})
	if !reflect.DeepEqual(pos, []string{"one", "two"}) {
		t.Errorf("pos = %v", pos)
	}
	if flags["k"] != "v" || flags["audience"] != "chats" {
		t.Errorf("flags = %v", flags)
	}
	if !bools["dry"] {
		t.Errorf("bools = %v", bools)
	}
}
