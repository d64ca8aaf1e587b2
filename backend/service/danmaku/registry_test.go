package danmaku

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iinaplus/bridge/backend/config"
	"iinaplus/bridge/backend/service/resolver"
)

type fakeSession struct {
	id      string
	mu      sync.Mutex
	frames  []Event
	closed  bool
	failing bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) WriteText(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("broken pipe")
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	s.frames = append(s.frames, event)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) methods() []Method {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Method, 0, len(s.frames))
	for _, frame := range s.frames {
		out = append(out, frame.Method)
	}
	return out
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeController struct {
	mu       sync.Mutex
	emit     Emitter
	starts   int
	stops    int
	prepared int
	prepErr  error
}

func (c *fakeController) Start() {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
	c.emit(MethodSendDM, "hello")
}

func (c *fakeController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func (c *fakeController) PrepareBlockList(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepared++
	return c.prepErr
}

func (c *fakeController) counts() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops, c.prepared
}

type harness struct {
	registry    *Registry
	mu          sync.Mutex
	controllers map[string]*fakeController
	built       int
	prefs       Preferences
}

func newHarness(t *testing.T, pendingTimeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		controllers: map[string]*fakeController{},
		prefs: Preferences{
			OverlayMode: config.OverlayDanmaku,
			FontFamily:  "PingFang SC",
			FontWeight:  "Regular",
			FontSize:    25,
			Speed:       680,
			Opacity:     0.8,
			BlockTypes:  []string{"Top", "Bottom"},
			BlockList:   true,
		},
	}
	h.registry = NewRegistry(Options{
		Factory: func(id string, site resolver.Site, rawURL string, emit Emitter) (Controller, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if site == resolver.SiteUnsupported {
				return nil, errors.New("no feed")
			}
			h.built++
			c := &fakeController{emit: emit}
			h.controllers[id] = c
			return c, nil
		},
		Preferences: func() Preferences {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.prefs
		},
		PendingTimeout: pendingTimeout,
	})
	t.Cleanup(h.registry.Close)
	return h
}

func (h *harness) controller(id string) *fakeController {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controllers[id]
}

func TestMatchPushesPreferencesBeforeComments(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.registry.Register("A", resolver.SiteLive, "https://live.bilibili.com/1"))
	assert.Equal(t, StateUnknown, h.registry.Snapshot().Entries[0].State)

	session := newFakeSession("s1")
	h.registry.Accept(session)
	assert.Equal(t, 1, h.registry.Snapshot().Pending)

	h.registry.MatchText(session, "A")
	snap := h.registry.Snapshot()
	assert.Equal(t, 0, snap.Pending)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, StateMatched, snap.Entries[0].State)
	assert.Equal(t, "s1", snap.Entries[0].SessionID)

	assert.Equal(t, []Method{MethodDMBlockList, MethodCustomFont, MethodDMSpeed, MethodDMOpacity, MethodSendDM}, session.methods())
	session.mu.Lock()
	frames := append([]Event(nil), session.frames...)
	session.mu.Unlock()
	assert.Equal(t, "Top, Bottom, List", frames[0].Text)
	assert.Contains(t, frames[1].Text, "font-family: 'PingFang SC Regular', SimHei")
	assert.Contains(t, frames[1].Text, "font-size: 25px;")
	assert.Equal(t, "680", frames[2].Text)
	assert.Equal(t, "0.8", frames[3].Text)

	starts, _, prepared := h.controller("A").counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, prepared)
}

func TestMatchWithoutDanmakuOverlaySkipsPreferences(t *testing.T) {
	h := newHarness(t, 0)
	h.prefs.OverlayMode = config.OverlayPlugin
	require.NoError(t, h.registry.Register("A", resolver.SiteLive, "u"))
	session := newFakeSession("s1")
	h.registry.Accept(session)
	h.registry.MatchText(session, "A")
	assert.Equal(t, []Method{MethodSendDM}, session.methods())
}

func TestNonBilibiliSiteSkipsBlockList(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.registry.Register("A", resolver.Site("douyu"), "u"))
	session := newFakeSession("s1")
	h.registry.Accept(session)
	h.registry.MatchText(session, "A")
	assert.Equal(t, []Method{MethodCustomFont, MethodDMSpeed, MethodDMOpacity, MethodSendDM}, session.methods())
	_, _, prepared := h.controller("A").counts()
	assert.Zero(t, prepared)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.registry.Register("A", resolver.SiteVideo, "u1"))
	err := h.registry.Register("A", resolver.SiteVideo, "u2")
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, h.built)
	assert.Equal(t, "u1", h.registry.Snapshot().Entries[0].URL)

	assert.ErrorIs(t, h.registry.Register("  ", resolver.SiteVideo, "u"), ErrEmptyID)
	assert.Error(t, h.registry.Register("B", resolver.SiteUnsupported, "u"))
	assert.Len(t, h.registry.Snapshot().Entries, 1)
}

func TestBlockListFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, 0)
	h.registry.factory = func(id string, site resolver.Site, rawURL string, emit Emitter) (Controller, error) {
		return &fakeController{emit: emit, prepErr: errors.New("db locked")}, nil
	}
	require.NoError(t, h.registry.Register("A", resolver.SiteVideo, "u"))
	assert.Len(t, h.registry.Snapshot().Entries, 1)
}

func TestUnmatchedTextLeavesSessionPending(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.registry.Register("A", resolver.SiteLive, "u"))
	session := newFakeSession("s1")
	h.registry.Accept(session)

	h.registry.MatchText(session, "B")
	snap := h.registry.Snapshot()
	assert.Equal(t, 1, snap.Pending)
	assert.Equal(t, StateUnknown, snap.Entries[0].State)
	assert.Empty(t, session.methods())

	stranger := newFakeSession("s2")
	h.registry.MatchText(stranger, "A")
	assert.Equal(t, StateUnknown, h.registry.Snapshot().Entries[0].State)
}

func TestDisconnectStopsControllerOnce(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.registry.Register("A", resolver.SiteLive, "u"))
	session := newFakeSession("s1")
	h.registry.Accept(session)
	h.registry.MatchText(session, "A")

	h.registry.Disconnect(session)
	h.registry.Disconnect(session)
	assert.Empty(t, h.registry.Snapshot().Entries)

	before := len(session.methods())
	h.registry.Send(MethodSendDM, "late", "A")
	assert.Len(t, session.methods(), before)

	_, stops, _ := h.controller("A").counts()
	assert.Equal(t, 1, stops)
}

func TestDisconnectPendingSession(t *testing.T) {
	h := newHarness(t, 0)
	session := newFakeSession("s1")
	h.registry.Accept(session)
	h.registry.Disconnect(session)
	assert.Zero(t, h.registry.Snapshot().Pending)
}

func TestBroadcastReachesOnlyMatchedSessions(t *testing.T) {
	h := newHarness(t, 0)
	h.prefs.OverlayMode = config.OverlayNone
	require.NoError(t, h.registry.Register("A", resolver.SiteLive, "u"))
	require.NoError(t, h.registry.Register("B", resolver.SiteLive, "u"))

	a := newFakeSession("a")
	b := newFakeSession("b")
	idle := newFakeSession("idle")
	for _, s := range []*fakeSession{a, b, idle} {
		h.registry.Accept(s)
	}
	h.registry.MatchText(a, "A")
	h.registry.MatchText(b, "B")

	h.registry.Broadcast(MethodDMSpeed, "500")
	assert.Equal(t, []Method{MethodSendDM, MethodDMSpeed}, a.methods())
	assert.Equal(t, []Method{MethodSendDM, MethodDMSpeed}, b.methods())
	assert.Empty(t, idle.methods())

	h.registry.Send(MethodLoadDM, "x", "B")
	h.registry.Send(MethodLoadDM, "x", "missing")
	assert.Equal(t, []Method{MethodSendDM, MethodDMSpeed}, a.methods())
	assert.Equal(t, []Method{MethodSendDM, MethodDMSpeed, MethodLoadDM}, b.methods())
}

func TestFailedWriteMarksEntryUnmatched(t *testing.T) {
	h := newHarness(t, 0)
	h.prefs.OverlayMode = config.OverlayNone
	require.NoError(t, h.registry.Register("A", resolver.SiteLive, "u"))
	session := newFakeSession("s1")
	h.registry.Accept(session)
	h.registry.MatchText(session, "A")

	session.mu.Lock()
	session.failing = true
	session.mu.Unlock()
	h.registry.Send(MethodSendDM, "x", "A")
	assert.Equal(t, StateUnmatched, h.registry.Snapshot().Entries[0].State)

	h.registry.Disconnect(session)
	assert.Empty(t, h.registry.Snapshot().Entries)
}

func TestPendingSessionEviction(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	session := newFakeSession("s1")
	h.registry.Accept(session)

	assert.Eventually(t, session.isClosed, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.registry.Snapshot().Pending)
}

func TestMatchedSessionIsNotEvicted(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	require.NoError(t, h.registry.Register("A", resolver.SiteLive, "u"))
	session := newFakeSession("s1")
	h.registry.Accept(session)
	h.registry.MatchText(session, "A")

	time.Sleep(60 * time.Millisecond)
	assert.False(t, session.isClosed())
	assert.Equal(t, StateMatched, h.registry.Snapshot().Entries[0].State)
}

func TestUnregisterClosesSession(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.registry.Register("A", resolver.SiteLive, "u"))
	session := newFakeSession("s1")
	h.registry.Accept(session)
	h.registry.MatchText(session, "A")

	assert.True(t, h.registry.Unregister("A"))
	assert.False(t, h.registry.Unregister("A"))
	assert.True(t, session.isClosed())
	_, stops, _ := h.controller("A").counts()
	assert.Equal(t, 1, stops)
}

func TestCloseStopsEverything(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.registry.Register("A", resolver.SiteLive, "u"))
	require.NoError(t, h.registry.Register("B", resolver.SiteLive, "u"))
	matched := newFakeSession("m")
	pending := newFakeSession("p")
	h.registry.Accept(matched)
	h.registry.Accept(pending)
	h.registry.MatchText(matched, "A")

	h.registry.Close()
	assert.True(t, matched.isClosed())
	assert.True(t, pending.isClosed())
	for _, id := range []string{"A", "B"} {
		_, stops, _ := h.controller(id).counts()
		assert.Equal(t, 1, stops, id)
	}
	assert.ErrorIs(t, h.registry.Register("C", resolver.SiteLive, "u"), ErrRegistryClosed)

	late := newFakeSession("late")
	h.registry.Accept(late)
	assert.True(t, late.isClosed())
}

func TestStartAfterStopIsNoop(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.registry.Register("A", resolver.SiteLive, "u"))
	session := newFakeSession("s1")
	h.registry.Accept(session)

	h.registry.mu.Lock()
	guarded := h.registry.entries["A"].controller
	h.registry.mu.Unlock()
	guarded.Stop()
	h.registry.MatchText(session, "A")

	starts, stops, _ := h.controller("A").counts()
	assert.Zero(t, starts)
	assert.Equal(t, 1, stops)
}

func TestConcurrentMatchAndDisconnect(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, 0)
		require.NoError(t, h.registry.Register("A", resolver.SiteLive, "u"))
		session := newFakeSession("s")
		h.registry.Accept(session)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); h.registry.MatchText(session, "A") }()
		go func() { defer wg.Done(); h.registry.Disconnect(session) }()
		wg.Wait()

		snap := h.registry.Snapshot()
		assert.Zero(t, snap.Pending)
		if len(snap.Entries) == 1 {
			assert.Equal(t, StateUnknown, snap.Entries[0].State)
			continue
		}
		_, stops, _ := h.controller("A").counts()
		assert.Equal(t, 1, stops)
	}
}

func TestPushPreferenceChanges(t *testing.T) {
	h := newHarness(t, 0)
	h.prefs.OverlayMode = config.OverlayNone
	require.NoError(t, h.registry.Register("A", resolver.SiteLive, "u"))
	session := newFakeSession("s1")
	h.registry.Accept(session)
	h.registry.MatchText(session, "A")

	prev := h.prefs
	next := prev
	next.FontSize = 30
	next.Opacity = 0.5
	h.registry.PushPreferenceChanges(prev, next)
	assert.Equal(t, []Method{MethodSendDM, MethodCustomFont, MethodDMFontSize, MethodDMOpacity}, session.methods())

	h.registry.PushPreferenceChanges(next, next)
	assert.Len(t, session.methods(), 4)
}

func TestBlockListText(t *testing.T) {
	assert.Equal(t, "", Preferences{}.BlockListText())
	assert.Equal(t, "List", Preferences{BlockList: true}.BlockListText())
	assert.Equal(t, "Scroll, Color", Preferences{BlockTypes: []string{"Scroll", " ", "Color"}}.BlockListText())
	css := Preferences{FontFamily: "Noto", FontWeight: "Bold", FontSize: 18}.CustomFontCSS()
	assert.True(t, strings.HasPrefix(css, ".customFont {color: #fff;font-family: 'Noto Bold'"))
	assert.True(t, strings.HasSuffix(css, "word-break: keep-all;}"))
}
