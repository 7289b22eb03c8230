package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/process-engine/events"
	"github.com/procflow/process-engine/logging"
	"github.com/procflow/process-engine/registry"
	"github.com/procflow/process-engine/types"
)

// ErrSessionNotFound indicates an unknown or already disconnected session.
var ErrSessionNotFound = errors.New("session not found")

// DefaultIdleTimeout is how long a session may stay inactive before
// the sweeper evicts it.
const DefaultIdleTimeout = 30 * time.Minute

const defaultSweepInterval = time.Minute

// Manager owns the session table and the per-process subscriber sets,
// and relays bus events to subscribed observers. Delivery is
// best-effort and at-most-once; there is no buffering or replay.
type Manager struct {
	sessions    map[string]*Session
	subscribers map[string]map[string]struct{} // process id -> session ids
	mu          sync.RWMutex

	reg *registry.Registry
	log *logging.Logger

	idleTimeout   time.Duration
	sweepInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout overrides the idle eviction threshold.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

// WithSweepInterval overrides how often idle sessions are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = d
	}
}

// NewManager creates a Manager, attaches it to the registry's event
// bus and starts the idle sweeper.
func NewManager(reg *registry.Registry, log *logging.Logger, options ...Option) (*Manager, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if log == nil {
		log = logging.NewLogger()
	}

	m := &Manager{
		sessions:      make(map[string]*Session),
		subscribers:   make(map[string]map[string]struct{}),
		reg:           reg,
		log:           log,
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
	}

	for _, option := range options {
		option(m)
	}

	reg.Bus().SubscribeAll(events.HandlerFunc(m.dispatch))

	m.wg.Add(1)
	go m.sweepLoop()

	return m, nil
}

// Connect registers a new observer and returns its session id.
func (m *Manager) Connect(sender Sender, userID string) string {
	now := time.Now()
	sess := &Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		ConnectedAt:   now,
		LastActivity:  now,
		Subscriptions: make(map[string]struct{}),
		sender:        sender,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	return sess.ID
}

// Disconnect removes the session from every subscriber set and drops
// it from the session table.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	m.removeLocked(sessionID)
	m.mu.Unlock()
}

// removeLocked performs the unsubscribe-everywhere cleanup. Caller
// holds the write lock.
func (m *Manager) removeLocked(sessionID string) {
	sess, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	for processID := range sess.Subscriptions {
		if set, ok := m.subscribers[processID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(m.subscribers, processID)
			}
		}
	}
	delete(m.sessions, sessionID)
}

// SubscribeProcess adds the session to the process's subscriber set
// and immediately pushes the current process snapshot, not only
// future events.
func (m *Manager) SubscribeProcess(ctx context.Context, sessionID, processID string) error {
	proc, err := m.reg.Get(ctx, processID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.LastActivity = time.Now()
	sess.Subscriptions[processID] = struct{}{}
	set, ok := m.subscribers[processID]
	if !ok {
		set = make(map[string]struct{})
		m.subscribers[processID] = set
	}
	set[sessionID] = struct{}{}
	sender := sess.sender
	m.mu.Unlock()

	m.send(sessionID, sender, Envelope{
		Type:      MessageProcessUpdate,
		ProcessID: processID,
		Data:      proc,
		Timestamp: time.Now(),
	})
	return nil
}

// UnsubscribeProcess removes the session from the process's
// subscriber set; an empty set is dropped.
func (m *Manager) UnsubscribeProcess(sessionID, processID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.LastActivity = time.Now()
	delete(sess.Subscriptions, processID)
	if set, ok := m.subscribers[processID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.subscribers, processID)
		}
	}
	return nil
}

// GetProcesses lists processes for the session.
func (m *Manager) GetProcesses(ctx context.Context, sessionID string, filter types.ProcessFilter) ([]types.Process, error) {
	if err := m.touch(sessionID); err != nil {
		return nil, err
	}
	return m.reg.List(ctx, filter)
}

// GetProcessLogs returns matching log entries; with Follow set the
// session is additionally subscribed to the process's future updates.
func (m *Manager) GetProcessLogs(ctx context.Context, sessionID string, query LogStreamQuery) ([]types.LogEntry, error) {
	if err := m.touch(sessionID); err != nil {
		return nil, err
	}

	logs, err := m.reg.Logs(ctx, query.ProcessID, registry.LogQuery{
		Level: query.Level,
		Since: query.Since,
		Tail:  query.Tail,
	})
	if err != nil {
		return nil, err
	}

	if query.Follow {
		if err := m.SubscribeProcess(ctx, sessionID, query.ProcessID); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

// StartResourceMonitoring subscribes the session to resource updates.
// With a process id the session follows that process; without one it
// receives resource updates for every process.
func (m *Manager) StartResourceMonitoring(ctx context.Context, sessionID, processID string) error {
	if processID != "" {
		return m.SubscribeProcess(ctx, sessionID, processID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.LastActivity = time.Now()
	sess.monitorAll = true
	return nil
}

// UpdateClientConfig applies the set fields of the patch.
func (m *Manager) UpdateClientConfig(sessionID string, patch ClientConfigPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.LastActivity = time.Now()
	if patch.DisplayMode != nil {
		sess.Config.DisplayMode = *patch.DisplayMode
	}
	if patch.RefreshInterval != nil {
		sess.Config.RefreshInterval = *patch.RefreshInterval
	}
	if patch.MaxLogLines != nil {
		sess.Config.MaxLogLines = *patch.MaxLogLines
	}
	return nil
}

// Ping refreshes the session's activity timestamp.
func (m *Manager) Ping(sessionID string) (string, error) {
	if err := m.touch(sessionID); err != nil {
		return "", err
	}
	return "pong", nil
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the idle sweeper. Sessions are left in place.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	sess.LastActivity = time.Now()
	return nil
}

// dispatch relays one bus event to its subscribers. Process events go
// only to sessions subscribed to that process (resource updates also
// to monitor-all sessions); system events broadcast to every live
// session.
func (m *Manager) dispatch(ctx context.Context, event events.Event) error {
	envelope := Envelope{
		Type:      envelopeType(event.Kind),
		ProcessID: event.ProcessID,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	}

	type target struct {
		id     string
		sender Sender
	}

	m.mu.RLock()
	var targets []target
	if event.Kind == events.KindSystem || event.ProcessID == "" {
		for id, sess := range m.sessions {
			targets = append(targets, target{id, sess.sender})
		}
	} else {
		for id := range m.subscribers[event.ProcessID] {
			if sess, ok := m.sessions[id]; ok {
				targets = append(targets, target{id, sess.sender})
			}
		}
		if event.Kind == events.KindResourceUpdate {
			for id, sess := range m.sessions {
				if sess.monitorAll {
					if _, already := sess.Subscriptions[event.ProcessID]; !already {
						targets = append(targets, target{id, sess.sender})
					}
				}
			}
		}
	}
	m.mu.RUnlock()

	for _, t := range targets {
		m.send(t.id, t.sender, envelope)
	}
	return nil
}

// send delivers one envelope; a failure is logged and isolated.
func (m *Manager) send(sessionID string, sender Sender, envelope Envelope) {
	if sender == nil {
		return
	}
	if err := sender.Send(envelope); err != nil {
		m.log.Error("failed to deliver %s to session %s: %v", envelope.Type, sessionID, err)
	}
}

// sweepLoop periodically evicts sessions idle past the timeout.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var evicted []string
	for id, sess := range m.sessions {
		if sess.LastActivity.Before(cutoff) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		m.removeLocked(id)
	}
	m.mu.Unlock()

	for _, id := range evicted {
		m.log.Info("evicted idle session %s", id)
	}
}

func envelopeType(kind events.Kind) MessageType {
	switch kind {
	case events.KindLogEntry:
		return MessageLogStream
	case events.KindResourceUpdate:
		return MessageResourceUpdate
	case events.KindSystem:
		return MessageSystemNotification
	default:
		return MessageProcessUpdate
	}
}
