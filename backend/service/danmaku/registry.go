package danmaku

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"iinaplus/bridge/backend/config"
	"iinaplus/bridge/backend/metrics"
	"iinaplus/bridge/backend/service/resolver"
)

var (
	ErrDuplicateID    = errors.New("registration id already exists")
	ErrEmptyID        = errors.New("registration id is empty")
	ErrRegistryClosed = errors.New("danmaku registry is closed")
)

type State string

const (
	StateUnknown State = "unknown"
	StateMatched State = "matched"
	// StateUnmatched marks a matched entry whose socket rejected a write. It keeps
	// its session until the disconnect arrives but receives no further events.
	StateUnmatched State = "unmatched"
)

// Controller produces comment events for one registration. Start must return
// promptly and run its work in the background.
type Controller interface {
	Start()
	Stop()
}

// BlockListPreparer is implemented by controllers that filter comments with the
// configured block rules.
type BlockListPreparer interface {
	PrepareBlockList(ctx context.Context) error
}

// Emitter delivers an event to the session bound to the controller's registration.
type Emitter func(method Method, text string)

// ControllerFactory builds the controller for a registration. It runs under the
// registry lock and must not block.
type ControllerFactory func(id string, site resolver.Site, rawURL string, emit Emitter) (Controller, error)

type Options struct {
	Factory        ControllerFactory
	Preferences    func() Preferences
	PendingTimeout time.Duration
}

type entry struct {
	id         string
	site       resolver.Site
	url        string
	controller *guardedController
	state      State
	session    Session
}

type pendingSession struct {
	session Session
	timer   *time.Timer
}

// Registry tracks registrations and the overlay sessions bound to them. One mutex
// guards entries and pending sessions; socket writes happen outside it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	pending map[Session]*pendingSession
	closed  bool

	factory        ControllerFactory
	preferences    func() Preferences
	pendingTimeout time.Duration
}

func NewRegistry(opts Options) *Registry {
	prefs := opts.Preferences
	if prefs == nil {
		prefs = func() Preferences { return Preferences{OverlayMode: config.OverlayNone} }
	}
	return &Registry{
		entries:        make(map[string]*entry),
		pending:        make(map[Session]*pendingSession),
		factory:        opts.Factory,
		preferences:    prefs,
		pendingTimeout: opts.PendingTimeout,
	}
}

func (r *Registry) logf(format string, args ...any) {
	log.Printf("[danmaku] "+format, args...)
}

func (r *Registry) warnf(format string, args ...any) {
	log.Printf("[danmaku][warn] "+format, args...)
}

// Register adds a registration in state unknown and builds its controller.
func (r *Registry) Register(id string, site resolver.Site, rawURL string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyID
	}
	if r.factory == nil {
		return errors.New("danmaku controller factory is nil")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	controller, err := r.factory(id, site, rawURL, r.emitterFor(id))
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("build controller for %s: %w", site, err)
	}
	e := &entry{
		id:         id,
		site:       site,
		url:        rawURL,
		controller: &guardedController{inner: controller},
		state:      StateUnknown,
	}
	r.entries[id] = e
	r.order = append(r.order, id)
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.logf("registered id=%s site=%s url=%s", id, site, rawURL)
	if site.BilibiliFamily() {
		if err := e.controller.PrepareBlockList(context.Background()); err != nil {
			log.Printf("[danmaku][error] prepare block list id=%s: %v", id, err)
		}
	}
	return nil
}

func (r *Registry) emitterFor(id string) Emitter {
	return func(method Method, text string) {
		r.Send(method, text, id)
	}
}

// Accept adds a new connection to the pending set. Pending sessions that never name
// a registration are closed after the pending timeout.
func (r *Registry) Accept(session Session) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = session.Close()
		return
	}
	p := &pendingSession{session: session}
	if r.pendingTimeout > 0 {
		p.timer = time.AfterFunc(r.pendingTimeout, func() { r.evict(session) })
	}
	r.pending[session] = p
	metrics.PendingSessions.Set(float64(len(r.pending)))
	r.mu.Unlock()
	r.logf("websocket client connected session=%s", session.ID())
}

func (r *Registry) evict(session Session) {
	r.mu.Lock()
	if _, ok := r.pending[session]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, session)
	metrics.PendingSessions.Set(float64(len(r.pending)))
	r.mu.Unlock()

	metrics.EvictedSessions.Inc()
	r.warnf("evicting pending session=%s after %s without a registration id", session.ID(), r.pendingTimeout)
	_ = session.Close()
}

// MatchText binds a pending session to the registration named by text, pushes the
// overlay preferences and starts the feed.
func (r *Registry) MatchText(session Session, text string) {
	r.mu.Lock()
	p, pending := r.pending[session]
	if !pending {
		r.mu.Unlock()
		r.logf("ignoring text from non-pending session=%s", session.ID())
		return
	}
	e, ok := r.entries[text]
	if !ok || e.session != nil {
		r.mu.Unlock()
		r.warnf("no registration for id=%q from session=%s", text, session.ID())
		return
	}
	delete(r.pending, session)
	if p.timer != nil {
		p.timer.Stop()
	}
	e.session = session
	e.state = StateMatched
	site := e.site
	controller := e.controller
	metrics.PendingSessions.Set(float64(len(r.pending)))
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.logf("matched id=%s site=%s session=%s", text, site, session.ID())
	prefs := r.preferences()
	if prefs.OverlayMode == config.OverlayDanmaku {
		for _, event := range prefs.matchEvents(site.BilibiliFamily()) {
			r.write(text, session, event)
		}
	}
	controller.Start()
}

// Disconnect stops and removes the registration bound to session, or drops session
// from the pending set.
func (r *Registry) Disconnect(session Session) {
	r.mu.Lock()
	if p, ok := r.pending[session]; ok {
		delete(r.pending, session)
		if p.timer != nil {
			p.timer.Stop()
		}
		metrics.PendingSessions.Set(float64(len(r.pending)))
		r.mu.Unlock()
		r.logf("websocket client disconnected session=%s", session.ID())
		return
	}
	var removed *entry
	for _, e := range r.entries {
		if e.session == session {
			removed = e
			break
		}
	}
	if removed != nil {
		r.removeLocked(removed.id)
	}
	r.mu.Unlock()

	if removed == nil {
		return
	}
	removed.controller.Stop()
	r.logf("websocket client disconnected session=%s id=%s url=%s", session.ID(), removed.id, removed.url)
}

// Unregister stops a registration and closes its session, if any.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[strings.TrimSpace(id)]
	if ok {
		r.removeLocked(e.id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.controller.Stop()
	if e.session != nil {
		_ = e.session.Close()
	}
	r.logf("unregistered id=%s", e.id)
	return true
}

func (r *Registry) removeLocked(id string) {
	delete(r.entries, id)
	for i, item := range r.order {
		if item == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.updateGaugesLocked()
}

// Broadcast sends an event to every matched session.
func (r *Registry) Broadcast(method Method, text string) {
	type target struct {
		id      string
		session Session
	}
	r.mu.Lock()
	targets := make([]target, 0, len(r.entries))
	for _, id := range r.order {
		if e := r.entries[id]; e.state == StateMatched {
			targets = append(targets, target{id: id, session: e.session})
		}
	}
	r.mu.Unlock()
	event := Event{Method: method, Text: text}
	for _, t := range targets {
		r.write(t.id, t.session, event)
	}
}

// Send delivers an event to the session bound to id. Unknown or unmatched ids are
// ignored.
func (r *Registry) Send(method Method, text string, id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.state != StateMatched {
		r.mu.Unlock()
		return
	}
	session := e.session
	r.mu.Unlock()
	r.write(id, session, Event{Method: method, Text: text})
}

func (r *Registry) write(id string, session Session, event Event) {
	payload, err := event.encode()
	if err != nil {
		log.Printf("[danmaku][error] encode event %s: %v", event.Method, err)
		return
	}
	if err := session.WriteText(payload); err != nil {
		r.warnf("write to session=%s id=%s failed: %v", session.ID(), id, err)
		r.mu.Lock()
		if e, ok := r.entries[id]; ok && e.session == session && e.state == StateMatched {
			e.state = StateUnmatched
			r.updateGaugesLocked()
		}
		r.mu.Unlock()
		return
	}
	if event.Method != MethodSendDM {
		r.logf("write text to websocket id=%s method=%s", id, event.Method)
	}
}

// PushPreferenceChanges broadcasts the style events that differ between prev and next.
func (r *Registry) PushPreferenceChanges(prev Preferences, next Preferences) {
	for _, event := range prev.changedEvents(next) {
		r.Broadcast(event.Method, event.Text)
	}
}

// Close stops every controller and closes every session. Later mutations are rejected.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	pending := make([]*pendingSession, 0, len(r.pending))
	for _, p := range r.pending {
		pending = append(pending, p)
	}
	r.entries = make(map[string]*entry)
	r.order = nil
	r.pending = make(map[Session]*pendingSession)
	metrics.PendingSessions.Set(0)
	r.updateGaugesLocked()
	r.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		_ = p.session.Close()
	}
	for _, e := range entries {
		e.controller.Stop()
		if e.session != nil {
			_ = e.session.Close()
		}
	}
	r.logf("registry closed entries=%d pending=%d", len(entries), len(pending))
}

func (r *Registry) updateGaugesLocked() {
	counts := map[State]int{StateUnknown: 0, StateMatched: 0, StateUnmatched: 0}
	for _, e := range r.entries {
		counts[e.state]++
	}
	for state, count := range counts {
		metrics.Registrations.WithLabelValues(string(state)).Set(float64(count))
	}
}

type EntryInfo struct {
	ID        string        `json:"id"`
	Site      resolver.Site `json:"site"`
	URL       string        `json:"url"`
	State     State         `json:"state"`
	SessionID string        `json:"sessionId,omitempty"`
}

type Snapshot struct {
	Entries []EntryInfo `json:"entries"`
	Pending int         `json:"pending"`
}

// Snapshot returns registrations in registration order.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{Entries: make([]EntryInfo, 0, len(r.order)), Pending: len(r.pending)}
	for _, id := range r.order {
		e := r.entries[id]
		info := EntryInfo{ID: e.id, Site: e.site, URL: e.url, State: e.state}
		if e.session != nil {
			info.SessionID = e.session.ID()
		}
		snap.Entries = append(snap.Entries, info)
	}
	return snap
}

// guardedController makes Stop exactly-once and Start after Stop a no-op.
type guardedController struct {
	mu      sync.Mutex
	inner   Controller
	started bool
	stopped bool
}

func (g *guardedController) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopped {
		return
	}
	g.started = true
	g.inner.Start()
}

func (g *guardedController) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.stopped = true
	g.inner.Stop()
}

func (g *guardedController) PrepareBlockList(ctx context.Context) error {
	preparer, ok := g.inner.(BlockListPreparer)
	if !ok {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return nil
	}
	return preparer.PrepareBlockList(ctx)
}
