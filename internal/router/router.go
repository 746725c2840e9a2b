// Package router dispatches incoming chat updates to registered command and
// callback handlers through a bounded worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"gatebot/internal/runtime/supervisor"
	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string // slash command without the leading "/"
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackAccess controls who can trigger an inline-button callback.
// Default is owner-only; public UI callbacks opt in explicitly.
type CallbackAccess int

const (
	CallbackAccessOwnerOnly CallbackAccess = iota
	CallbackAccessEveryone
)

type CallbackRoute struct {
	Scope   string // first token of the callback data, e.g. "gate"
	Action  string
	Access  CallbackAccess
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update       transport.Update
	Chat         transport.ChatTarget
	FromID       int64
	FromUsername string
	Command      string // matched command name (or "cb:scope:action")
	Args         []string
	Flags        map[string]string
	BoolFlags    map[string]bool
	Payload      string // callback payload (raw string)
	ReqID        string

	Adapter transport.Adapter
	Logger  logx.Logger
	Owners  []int64
}

type Router struct {
	mu       sync.RWMutex
	commands map[string]*Command // name and aliases point at the same entry
	order    []string            // registration order, for /help
	owners   []int64
	fallback HandlerFunc // non-command messages (chat registration etc.)

	cbMu      sync.RWMutex
	callbacks map[string]map[string]CallbackRoute // scope -> action -> route

	log     logx.Logger
	adapter transport.Adapter

	jobsMu sync.Mutex
	jobs   chan func() // owned by the running DispatchLoop; nil when stopped
}

func New(log logx.Logger, adapter transport.Adapter, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		commands:  map[string]*Command{},
		callbacks: map[string]map[string]CallbackRoute{},
		owners:    append([]int64(nil), owners...),
		log:       log,
		adapter:   adapter,
	}
	r.Register(Command{
		Name:        "help",
		Description: "show available commands",
		Usage:       "/help",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, r.helpText(req.FromID),
				&transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
			return err
		},
	})
	return r
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := strings.TrimSpace(strings.TrimPrefix(c.Name, "/"))
		if name == "" || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		if _, seen := r.commands[name]; !seen {
			r.order = append(r.order, name)
		}
		r.commands[name] = &cc
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a != "" && !strings.Contains(a, " ") {
				r.commands[a] = &cc
			}
		}
	}
}

func (r *Router) RegisterCallbacks(routes ...CallbackRoute) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	for _, rt := range routes {
		scope := strings.TrimSpace(rt.Scope)
		action := strings.TrimSpace(rt.Action)
		if scope == "" || action == "" || rt.Handle == nil {
			continue
		}
		if r.callbacks[scope] == nil {
			r.callbacks[scope] = map[string]CallbackRoute{}
		}
		r.callbacks[scope][action] = rt
	}
}

// SetFallback installs the handler for messages that are not slash commands.
func (r *Router) SetFallback(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// SetOwners replaces the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) ownersSnapshot() []int64 {
	r.mu.RLock()
	cp := append([]int64(nil), r.owners...)
	r.mu.RUnlock()
	return cp
}

// DispatchLoop consumes updates until ctx ends or the channel closes.
// Handlers run on a bounded worker pool so one slow command cannot stall
// the intake of further updates.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log.With(logx.String("comp", "router"))),
	)

	// The queue belongs to this invocation. A stopped router can be
	// dispatched again and gets a fresh channel.
	jobs := make(chan func(), 256)
	r.jobsMu.Lock()
	r.jobs = jobs
	r.jobsMu.Unlock()

	r.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue_cap", cap(jobs)))

	closeJobs := func() {
		r.jobsMu.Lock()
		if r.jobs == jobs {
			r.jobs = nil
		}
		r.jobsMu.Unlock()
		close(jobs)
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.Go("worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// Middleware already recovers; this keeps the worker alive
					// if a job panics outside the chain.
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in dispatch job",
									logx.Int("worker", idx),
									logx.Any("panic", rec),
									logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		})
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			switch up.Kind {
			case transport.UpdateMessage:
				r.routeMessage(ctx, up)
			case transport.UpdateCallback:
				r.routeCallback(ctx, up)
			}
		}
	}
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	r.jobsMu.Lock()
	jobs := r.jobs
	r.jobsMu.Unlock()
	if jobs == nil {
		return false
	}
	// The loop may close the channel between the snapshot and the send.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) routeMessage(root context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		r.mu.RLock()
		fb := r.fallback
		r.mu.RUnlock()
		if fb != nil {
			r.enqueue(root, up, transport.ChatTarget{ChatID: msg.ChatID}, msg.FromID, msg.FromUsername,
				"fallback", nil, nil, nil, "", fb, 0)
		}
		return
	}

	parts := tokenize(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	r.mu.RLock()
	cmd, found := r.commands[word]
	r.mu.RUnlock()
	if !found {
		// Stay quiet in groups; unknown text there is usually not for us.
		if !msg.IsGroup {
			_, _ = r.adapter.SendText(root, transport.ChatTarget{ChatID: msg.ChatID},
				"Unknown command. Try /help", nil)
		}
		return
	}

	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, r.ownersSnapshot()) {
		_, _ = r.adapter.SendText(root, transport.ChatTarget{ChatID: msg.ChatID}, "unauthorized", nil)
		return
	}

	pos, flags, bools := parseFlags(parts[1:])
	r.enqueue(root, up, transport.ChatTarget{ChatID: msg.ChatID}, msg.FromID, msg.FromUsername,
		cmd.Name, pos, flags, bools, "", cmd.Handle, cmd.Timeout)
}

func (r *Router) routeCallback(root context.Context, up transport.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 {
		return
	}
	scope, action := parts[0], parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	r.cbMu.RLock()
	route, found := r.callbacks[scope][action]
	r.cbMu.RUnlock()
	if !found {
		return
	}

	if route.Access == CallbackAccessOwnerOnly && !isOwner(cb.FromID, r.ownersSnapshot()) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "forbidden", false)
		return
	}

	h := func(ctx context.Context, req *Request) error {
		err := route.Handle(ctx, req, payload)
		// Best-effort stop of the "loading" spinner; handlers that already
		// answered make this a harmless no-op failure.
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "", false)
		return err
	}
	r.enqueue(root, up, transport.ChatTarget{ChatID: cb.ChatID}, cb.FromID, cb.FromUsername,
		"cb:"+scope+":"+action, nil, nil, nil, payload, h, route.Timeout)
}

func (r *Router) enqueue(root context.Context, up transport.Update, chat transport.ChatTarget,
	fromID int64, fromUsername, command string,
	args []string, flags map[string]string, bools map[string]bool,
	payload string, h HandlerFunc, timeout time.Duration,
) {
	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       fromID,
		FromUsername: fromUsername,
		Command:      command,
		Args:         args,
		Flags:        flags,
		BoolFlags:    bools,
		Payload:      payload,
		ReqID:        rid,
		Adapter:      r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", fromID),
			logx.String("cmd", command),
		),
		Owners: r.ownersSnapshot(),
	}

	final := Chain(h,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)

	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		if up.Kind == transport.UpdateCallback && up.Callback != nil {
			_ = r.adapter.AnswerCallback(root, up.Callback.ID, "busy, try again", false)
		} else {
			_, _ = r.adapter.SendText(root, chat, "busy, try again", nil)
		}
	}
}

// helpText lists the commands the asking user can actually run.
func (r *Router) helpText(fromID int64) string {
	owners := r.ownersSnapshot()
	owner := isOwner(fromID, owners)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, name := range r.order {
		c := r.commands[name]
		if c == nil {
			continue
		}
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		b.WriteString("/")
		b.WriteString(c.Name)
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}
