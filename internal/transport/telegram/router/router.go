// Package router dispatches incoming transport updates to registered
// handlers. Updates are sharded onto worker queues by actor chat id, so
// one actor's updates are always handled in arrival order while
// different actors proceed in parallel.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "surveybot/internal/runtime/supervisor"
	kit "surveybot/internal/transport"
	logx "surveybot/pkg/logx"
	"surveybot/pkg/tgui"
)

// RoleFunc resolves the caller's role for one update.
type RoleFunc func(ctx context.Context, fromID int64, username string) Role

type Command struct {
	Name        string // without the leading slash
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, action, payload string) error

// CallbackRoute handles every action of one callback data scope.
type CallbackRoute struct {
	Scope   string
	Access  Access
	Timeout time.Duration
	Handle  CallbackHandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	Role         Role
	Route        string
	Args         []string
	ReqID        string

	Adapter kit.Adapter
	Logger  logx.Logger
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	resolve RoleFunc

	mu        sync.RWMutex
	commands  map[string]Command
	callbacks map[string]CallbackRoute
	// fallback receives plain (non-command) text while an actor is mid-flow.
	fallback HandlerFunc

	queues  []chan func()
	workers int

	runMu   sync.Mutex
	running bool
}

func New(log logx.Logger, adapter kit.Adapter, resolve RoleFunc, workers int) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if workers < 1 {
		workers = 4
	}
	queues := make([]chan func(), workers)
	for i := range queues {
		queues[i] = make(chan func(), 64)
	}
	return &Router{
		log:       log.With(logx.String("comp", "telegram.router")),
		adapter:   adapter,
		resolve:   resolve,
		commands:  map[string]Command{},
		callbacks: map[string]CallbackRoute{},
		queues:    queues,
		workers:   workers,
	}
}

func (r *Router) SetCommands(cmds []Command) {
	m := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Name), "/")
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		m[name] = c
	}
	r.mu.Lock()
	r.commands = m
	r.mu.Unlock()
}

func (r *Router) SetCallbacks(routes []CallbackRoute) {
	m := make(map[string]CallbackRoute, len(routes))
	for _, cb := range routes {
		if cb.Scope == "" || cb.Handle == nil {
			continue
		}
		m[cb.Scope] = cb
	}
	r.mu.Lock()
	r.callbacks = m
	r.mu.Unlock()
}

// SetTextFallback installs the handler for plain text messages; it
// feeds in-flight flows (answers, names, handle lists).
func (r *Router) SetTextFallback(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// MenuCommands lists registered commands visible to the given role,
// for the platform command menu.
func (r *Router) MenuCommands(role Role) []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.commands))
	for _, c := range r.commands {
		if Allowed(c.Access, role) {
			out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// DispatchLoop consumes updates until ctx is cancelled or the channel
// closes. It blocks; run it under a supervisor.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return nil
	}
	r.running = true
	r.runMu.Unlock()

	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.queues[idx]:
					if !ok {
						return nil
					}
					// Middleware already recovers; keep the worker alive anyway.
					func() {
						defer func() {
							if p := recover(); p != nil {
								r.log.Error("panic in router job",
									logx.Int("worker", idx),
									logx.Any("panic", p),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("dispatcher started", logx.Int("workers", r.workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.runMu.Lock()
		r.running = false
		r.runMu.Unlock()
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
			case kit.UpdateMessage:
				r.routeMessage(ctx, up)
			case kit.UpdateCallback:
				r.routeCallback(ctx, up)
			}
		}
	}
}

// enqueue puts the job on the actor's queue so per-actor order holds.
func (r *Router) enqueue(actor int64, job func()) bool {
	q := r.queues[int(uint64(actor)%uint64(r.workers))]
	select {
	case q <- job:
		return true
	default:
		return false
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)

	r.mu.RLock()
	fallback := r.fallback
	r.mu.RUnlock()

	if !strings.HasPrefix(text, "/") {
		if fallback == nil {
			return
		}
		req := r.newRequest(ctx, up, "text")
		final := Chain(fallback, MWPanicRecover(r.log), MWRequestLog(r.log))
		if !r.enqueue(msg.ChatID, func() { _ = final(ctx, req) }) {
			r.log.Warn("actor queue full, text dropped", logx.Int64("chat_id", msg.ChatID))
		}
		return
	}

	parts := strings.Fields(text)
	name := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}

	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()
	if !ok {
		_, _ = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID},
			"Unknown command. Try /help.", nil)
		return
	}

	req := r.newRequest(ctx, up, "/"+name)
	req.Args = parts[1:]
	if !Allowed(cmd.Access, req.Role) {
		_, _ = r.adapter.SendText(ctx, req.Chat,
			"You are not allowed to use this command.", nil)
		return
	}

	final := Chain(cmd.Handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(cmd.Timeout))
	if !r.enqueue(msg.ChatID, func() { _ = final(ctx, req) }) {
		_, _ = r.adapter.SendText(ctx, req.Chat, "Busy, try again.", nil)
	}
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload := tgui.SplitData(cb.Data)
	if scope == "" || action == "" {
		return
	}

	r.mu.RLock()
	route, ok := r.callbacks[scope]
	r.mu.RUnlock()
	if !ok {
		return
	}

	req := r.newRequest(ctx, up, "cb:"+scope+":"+action)
	if !Allowed(route.Access, req.Role) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}

	h := func(c context.Context, rq *Request) error { return route.Handle(c, rq, action, payload) }
	final := Chain(h, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(route.Timeout))
	if !r.enqueue(cb.ChatID, func() {
		_ = final(ctx, req)
		// Stop the "loading" spinner on the button.
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "busy")
	}
}

func (r *Router) newRequest(ctx context.Context, up kit.Update, route string) *Request {
	var (
		chatID   int64
		fromID   int64
		username string
	)
	switch up.Kind {
	case kit.UpdateMessage:
		chatID, fromID, username = up.Message.ChatID, up.Message.FromID, up.Message.FromUsername
	case kit.UpdateCallback:
		chatID, fromID, username = up.Callback.ChatID, up.Callback.FromID, up.Callback.FromUsername
	}

	role := RoleStudent
	if r.resolve != nil {
		role = r.resolve(ctx, fromID, username)
	}
	rid := newReqID()
	return &Request{
		Update:       up,
		Chat:         kit.ChatTarget{ChatID: chatID},
		FromID:       fromID,
		FromUsername: username,
		Role:         role,
		Route:        route,
		ReqID:        rid,
		Adapter:      r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chatID),
			logx.String("role", role.String()),
			logx.String("route", route),
		),
	}
}

func newReqID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}
