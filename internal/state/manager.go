package state

import (
	"context"

	"surveybot/internal/transport"
	logx "surveybot/pkg/logx"
)

// Manager layers the cancellation rules on top of the Store. Every flow
// entry point goes through Begin, so an actor can never be mid-way
// through two overlapping flows.
type Manager struct {
	store *Store
	tp    transport.Adapter
	log   logx.Logger
}

func NewManager(store *Store, tp transport.Adapter, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: store, tp: tp, log: log}
}

func (m *Manager) Store() *Store { return m.store }

func (m *Manager) Get(actor int64) (*Session, bool) { return m.store.Get(actor) }

func (m *Manager) Put(actor int64, sess *Session) { m.store.Put(actor, sess) }

// Begin cancels any active session for the actor, then installs the new
// one. It reports whether a previous session was cancelled.
func (m *Manager) Begin(ctx context.Context, actor int64, sess *Session) bool {
	cancelled := m.Cancel(ctx, actor)
	m.store.Put(actor, sess)
	return cancelled
}

// Cancel clears the actor's session and removes its outstanding prompt
// message. Deletion failures only degrade UX and are logged, not
// propagated.
func (m *Manager) Cancel(ctx context.Context, actor int64) bool {
	sess, ok := m.store.Clear(actor)
	if !ok {
		return false
	}
	if sess.LastPrompt != nil && m.tp != nil {
		if err := m.tp.DeleteMessage(ctx, *sess.LastPrompt); err != nil {
			m.log.Debug("stale prompt not removed",
				logx.Int64("actor", actor), logx.Err(err))
		}
	}
	return true
}
