package feed

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"iinaplus/bridge/backend/media"
	"iinaplus/bridge/backend/service/bilibili"
	"iinaplus/bridge/backend/service/danmaku"
	"iinaplus/bridge/backend/service/resolver"
	"iinaplus/bridge/backend/store"
)

const danmuMsg = `{"cmd":"DANMU_MSG:4:0:2:2:2:0","info":[[0,1,25,16777215],"hello there",[42,"viewer"]]}`

func brotliBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodePacketsExpandsCompressedBodies(t *testing.T) {
	inner := append(encodePacket(opMessage, 0, 0, []byte(danmuMsg)), encodePacket(opMessage, 0, 0, []byte(`{"cmd":"ONLINE_RANK_COUNT"}`))...)
	frame := append(encodePacket(opMessage, 3, 0, brotliBytes(t, inner)), encodePacket(opMessage, 2, 0, zlibBytes(t, inner))...)
	frame = append(frame, encodePacket(opHeartbeatReply, 1, 1, []byte{0, 0, 0, 9})...)

	packets, err := decodePackets(frame)
	require.NoError(t, err)
	require.Len(t, packets, 5)
	assert.Equal(t, danmuMsg, string(packets[0].Payload))
	assert.Equal(t, danmuMsg, string(packets[2].Payload))
	assert.Equal(t, opHeartbeatReply, packets[4].Operation)
	assert.Equal(t, uint16(1), packets[4].Version)
}

func TestDecodePacketsRejectsTruncatedFrame(t *testing.T) {
	frame := encodePacket(opMessage, 0, 0, []byte("abc"))
	_, err := decodePackets(frame[:len(frame)-1])
	assert.Error(t, err)
}

func TestParseLiveComment(t *testing.T) {
	comment, ok := parseLiveComment([]byte(danmuMsg))
	require.True(t, ok)
	assert.Equal(t, "hello there", comment.Content)
	assert.Equal(t, "42", comment.UID)
	assert.Equal(t, "viewer", comment.Uname)

	for _, payload := range []string{
		`{"cmd":"SEND_GIFT","info":[[],"x",[]]}`,
		`{"cmd":"DANMU_MSG","info":[[],"  ",[]]}`,
		`{"cmd":"DANMU_MSG","info":[[]]}`,
		`not json`,
	} {
		_, ok := parseLiveComment([]byte(payload))
		assert.False(t, ok, payload)
	}
}

func TestFilter(t *testing.T) {
	filter, err := NewFilter([]store.DanmakuBlockRule{
		{Kind: store.BlockRuleKeyword, Pattern: "Spoiler", Enabled: true},
		{Kind: store.BlockRuleRegex, Pattern: `^\d{5,}$`, Enabled: true},
		{Kind: store.BlockRuleRegex, Pattern: `(`, Enabled: true},
		{Kind: store.BlockRuleUser, Pattern: "ABCDEF12", Enabled: true},
		{Kind: store.BlockRuleKeyword, Pattern: "ignored", Enabled: false},
	})
	require.Error(t, err)
	require.NotNil(t, filter)
	assert.Equal(t, 3, filter.Len())

	assert.True(t, filter.Blocked("big spoiler ahead", ""))
	assert.True(t, filter.Blocked("233333", ""))
	assert.True(t, filter.Blocked("fine", "abcdef12"))
	assert.False(t, filter.Blocked("ignored text", "other"))

	var none *Filter
	assert.False(t, none.Blocked("anything", "anyone"))
	assert.Zero(t, none.Len())
}

func TestParseBlockList(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<filters>
	<item enabled="true">t=剧透</item>
	<item enabled="false">r=^哈+$</item>
	<item enabled="true">u=d41d8cd9</item>
	<item enabled="true">x=unknown</item>
	<item enabled="true">t=</item>
</filters>`
	rules, err := ParseBlockList([]byte(doc))
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, store.DanmakuBlockRule{Kind: store.BlockRuleKeyword, Pattern: "剧透", Enabled: true}, rules[0])
	assert.Equal(t, store.DanmakuBlockRule{Kind: store.BlockRuleRegex, Pattern: "^哈+$", Enabled: false}, rules[1])
	assert.Equal(t, store.BlockRuleUser, rules[2].Kind)

	_, err = ParseBlockList(nil)
	assert.Error(t, err)
}

func TestImportBlockListFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<filters><item enabled="true">t=spam</item></filters>`), 0o644))
	rules := &fakeRules{}
	count, err := ImportBlockListFile(context.Background(), rules, path)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, "spam", rules.items[0].Pattern)

	count, err = ImportBlockListFile(context.Background(), rules, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFilterCommentXML(t *testing.T) {
	doc := []byte(`<?xml version="1.0" encoding="UTF-8"?><i><chatserver>chat.bilibili.com</chatserver>` +
		`<d p="1.5,1,25,16777215,1700000000,0,aa11,1">first &amp; fine</d>` +
		`<d p="2.0,1,25,16777215,1700000000,0,bb22,2">spoiler here</d>` +
		`<d p="3.0,4,25,16777215,1700000000,0,cc33,3">from blocked user</d></i>`)
	filter, err := NewFilter([]store.DanmakuBlockRule{
		{Kind: store.BlockRuleKeyword, Pattern: "spoiler", Enabled: true},
		{Kind: store.BlockRuleUser, Pattern: "cc33", Enabled: true},
	})
	require.NoError(t, err)

	out, kept, dropped := filterCommentXML(doc, filter)
	assert.Equal(t, 1, kept)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?><i><d p="1.5,1,25,16777215,1700000000,0,aa11,1">first &amp; fine</d></i>`, string(out))

	_, kept, dropped = filterCommentXML(doc, nil)
	assert.Equal(t, 3, kept)
	assert.Zero(t, dropped)
}

func TestCommentID(t *testing.T) {
	cid, ok := commentID(bilibili.CommentURL(123456))
	assert.True(t, ok)
	assert.Equal(t, int64(123456), cid)
	_, ok = commentID("http://127.0.0.1:19080/danmaku/index.htm")
	assert.False(t, ok)
}

type fakeRules struct {
	mu    sync.Mutex
	items []store.DanmakuBlockRule
	err   error
}

func (f *fakeRules) ListDanmakuBlockRules(context.Context, bool) ([]store.DanmakuBlockRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.DanmakuBlockRule(nil), f.items...), f.err
}

func (f *fakeRules) ImportDanmakuBlockRules(_ context.Context, rules []store.DanmakuBlockRule) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, rules...)
	return len(rules), nil
}

type fakeUpstream struct {
	token   string
	comment []byte
	cids    []int64
	mu      sync.Mutex
}

func (f *fakeUpstream) DanmuInfo(context.Context, int64) (*bilibili.DanmuInfo, error) {
	return &bilibili.DanmuInfo{Token: f.token, Hosts: []bilibili.DanmuHost{{Host: "example.invalid"}}}, nil
}

func (f *fakeUpstream) CommentXML(_ context.Context, cid int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cids = append(f.cids, cid)
	return f.comment, nil
}

type fakeResolver struct {
	result *media.ResolvedMedia
	err    error
}

func (f fakeResolver) ResolveSync(context.Context, string) (*media.ResolvedMedia, error) {
	return f.result, f.err
}

type recordedEvent struct {
	method danmaku.Method
	text   string
}

func recorder() (danmaku.Emitter, <-chan recordedEvent) {
	events := make(chan recordedEvent, 16)
	return func(method danmaku.Method, text string) {
		events <- recordedEvent{method: method, text: text}
	}, events
}

func TestVideoControllerWritesFilteredComments(t *testing.T) {
	dir := t.TempDir()
	upstream := &fakeUpstream{comment: []byte(`<i><d p="1,1,25,1,1,0,u1,1">keep</d><d p="1,1,25,1,1,0,u2,2">drop me</d></i>`)}
	rules := &fakeRules{items: []store.DanmakuBlockRule{{Kind: store.BlockRuleKeyword, Pattern: "drop", Enabled: true}}}
	emit, events := recorder()
	factory := NewFactory(Deps{
		Upstream:  upstream,
		Resolver:  fakeResolver{result: &media.ResolvedMedia{DanmakuURL: bilibili.CommentURL(77)}},
		Rules:     rules,
		AssetsDir: dir,
	})

	controller, err := factory("../odd id", resolver.SiteVideo, "https://www.bilibili.com/video/av1", emit)
	require.NoError(t, err)
	require.NoError(t, controller.(danmaku.BlockListPreparer).PrepareBlockList(context.Background()))
	controller.Start()

	select {
	case event := <-events:
		assert.Equal(t, danmaku.MethodLoadDM, event.method)
		assert.Equal(t, "comments-___odd_id.xml", event.text)
		data, err := os.ReadFile(filepath.Join(dir, event.text))
		require.NoError(t, err)
		assert.Contains(t, string(data), "keep")
		assert.NotContains(t, string(data), "drop me")
	case <-time.After(5 * time.Second):
		t.Fatal("loadDM was not emitted")
	}
	assert.Equal(t, []int64{77}, upstream.cids)

	controller.Stop()
	_, err = os.Stat(filepath.Join(dir, "comments-___odd_id.xml"))
	assert.True(t, os.IsNotExist(err))
}

func TestVideoControllerResolveFailureEmitsNothing(t *testing.T) {
	emit, events := recorder()
	factory := NewFactory(Deps{
		Upstream:  &fakeUpstream{},
		Resolver:  fakeResolver{err: errors.New("upstream down")},
		AssetsDir: t.TempDir(),
	})
	controller, err := factory("A", resolver.SiteBangumi, "https://www.bilibili.com/bangumi/play/ep1", emit)
	require.NoError(t, err)
	controller.Start()
	controller.Stop()
	assert.Empty(t, events)
}

func TestFactoryRejectsSitesWithoutFeed(t *testing.T) {
	factory := NewFactory(Deps{})
	_, err := factory("A", resolver.SiteUnsupported, "https://example.com", func(danmaku.Method, string) {})
	assert.ErrorIs(t, err, ErrNoFeed)
	_, err = factory("A", resolver.SiteLive, "https://www.bilibili.com/video/av1", func(danmaku.Method, string) {})
	assert.ErrorIs(t, err, ErrNoFeed)
}

func TestLiveControllerRelaysComments(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	auth := make(chan []byte, 1)
	origins := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case origins <- r.Header.Get("Origin"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, first, err := conn.ReadMessage()
		if err != nil {
			return
		}
		auth <- first
		_ = conn.WriteMessage(websocket.BinaryMessage, encodePacket(opAuthReply, 1, 1, []byte(`{"code":0}`)))
		batch := append(encodePacket(opMessage, 0, 0, []byte(danmuMsg)),
			encodePacket(opMessage, 0, 0, []byte(`{"cmd":"DANMU_MSG","info":[[],"blocked words",[7,"x"]]}`))...)
		_ = conn.WriteMessage(websocket.BinaryMessage, encodePacket(opMessage, 3, 0, brotliBytes(t, batch)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	rules := &fakeRules{items: []store.DanmakuBlockRule{{Kind: store.BlockRuleKeyword, Pattern: "blocked", Enabled: true}}}
	emit, events := recorder()
	controller := newLiveController("A", 5050, &fakeUpstream{token: "tok"}, rules, emit)
	controller.streamURL = func([]bilibili.DanmuHost) (string, error) {
		return "ws" + strings.TrimPrefix(server.URL, "http") + "/sub", nil
	}
	require.NoError(t, controller.PrepareBlockList(context.Background()))
	controller.Start()

	select {
	case first := <-auth:
		packets, err := decodePackets(first)
		require.NoError(t, err)
		require.Len(t, packets, 1)
		assert.Equal(t, opAuth, packets[0].Operation)
		assert.Equal(t, int64(5050), gjson.GetBytes(packets[0].Payload, "roomid").Int())
		assert.Equal(t, "tok", gjson.GetBytes(packets[0].Payload, "key").String())
	case <-time.After(5 * time.Second):
		t.Fatal("no auth packet")
	}
	assert.Equal(t, "https://live.bilibili.com", <-origins)

	select {
	case event := <-events:
		assert.Equal(t, recordedEvent{method: danmaku.MethodSendDM, text: "hello there"}, event)
	case <-time.After(5 * time.Second):
		t.Fatal("no comment relayed")
	}

	stopped := make(chan struct{})
	go func() {
		controller.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
	assert.Empty(t, events)
}

func TestPickStreamURL(t *testing.T) {
	wsURL, err := pickStreamURL([]bilibili.DanmuHost{{Host: " "}, {Host: "broadcastlv.chat.bilibili.com", WSSPort: 443}})
	require.NoError(t, err)
	assert.Equal(t, "wss://broadcastlv.chat.bilibili.com:443/sub", wsURL)
	_, err = pickStreamURL(nil)
	assert.Error(t, err)
}
