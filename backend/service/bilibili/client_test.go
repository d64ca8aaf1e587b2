package bilibili

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iinaplus/bridge/backend/store"
)

type fakeRecorder struct {
	mu   sync.Mutex
	logs []store.UpstreamErrorLog
}

func (f *fakeRecorder) CreateUpstreamErrorLog(_ context.Context, item store.UpstreamErrorLog) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, item)
	return int64(len(f.logs)), nil
}

func (f *fakeRecorder) snapshot() []store.UpstreamErrorLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.UpstreamErrorLog(nil), f.logs...)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *fakeRecorder) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	recorder := &fakeRecorder{}
	client := New(recorder, Options{
		APIBase:     server.URL,
		LiveBase:    server.URL,
		CommentBase: server.URL,
		Timeout:     5 * time.Second,
	})
	return client, recorder
}

func TestRequestJSONUnwrapsDataAndResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/xlive/web-room/v1/index/getInfoByRoom", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7734200", r.URL.Query().Get("room_id"))
		assert.Equal(t, liveReferer, r.Header.Get("Referer"))
		_, _ = w.Write([]byte(`{"code":0,"message":"0","data":{"room_info":{"title":"t"}}}`))
	})
	mux.HandleFunc("/pgc/view/web/season", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "425000", r.URL.Query().Get("ep_id"))
		_, _ = w.Write([]byte(`{"code":0,"message":"success","result":{"title":"s"}}`))
	})
	client, recorder := newTestClient(t, mux)

	room, err := client.RoomInfo(context.Background(), 7734200)
	require.NoError(t, err)
	assert.JSONEq(t, `{"room_info":{"title":"t"}}`, string(room))

	season, err := client.SeasonInfo(context.Background(), 425000, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"s"}`, string(season))
	assert.Empty(t, recorder.snapshot())
}

func TestRequestJSONRecordsAPICode(t *testing.T) {
	client, recorder := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":-404,"message":"啥都木有"}`))
	}))

	_, err := client.VideoView(context.Background(), VideoRef{BVID: "BV1GJ411x7h7"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "api_code", apiErr.Stage())
	assert.Equal(t, -404, apiErr.Code())
	assert.Equal(t, "api_code", StageOf(err))

	logs := recorder.snapshot()
	require.Len(t, logs, 1)
	assert.Equal(t, SiteVideo, logs[0].Site)
	assert.Equal(t, "bvid=BV1GJ411x7h7", logs[0].RequestQuery)
	assert.Equal(t, 1, logs[0].Attempt)
}

func TestRequestJSONEmptyPayload(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":null}`))
	}))
	_, err := client.RoomPlayInfo(context.Background(), 1)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestRetryableFailuresRetry(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"data":{"ok":true}}`))
	}))
	t.Cleanup(server.Close)
	recorder := &fakeRecorder{}
	client := New(recorder, Options{APIBase: server.URL, MaxAttempts: 2})

	payload, err := client.VideoView(context.Background(), VideoRef{AID: 170001})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(payload))
	logs := recorder.snapshot()
	require.Len(t, logs, 1)
	assert.Equal(t, "http_status", logs[0].Stage)
	assert.True(t, logs[0].Retryable)
}

func TestGzipBody(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = gz.Write([]byte(`{"code":0,"data":{"cid":10}}`))
		_ = gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	payload, err := client.PlayURL(context.Background(), VideoRef{BVID: "BV1"}, 10)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cid":10}`, string(payload))
}

func TestCommentXMLInflatesRawDeflate(t *testing.T) {
	const doc = `<?xml version="1.0" encoding="UTF-8"?><i><d p="1.5,1,25,16777215,0,0,abc,1">hello</d></i>`
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/4242.xml", r.URL.Path)
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		require.NoError(t, err)
		_, _ = fw.Write([]byte(doc))
		_ = fw.Close()
		_, _ = w.Write(buf.Bytes())
	}))
	body, err := client.CommentXML(context.Background(), 4242)
	require.NoError(t, err)
	assert.Equal(t, doc, string(body))
	assert.Equal(t, "https://comment.bilibili.com/4242.xml", CommentURL(4242))
}

func TestWBISigning(t *testing.T) {
	mixin := generateWBIMixinKey("7cd084941338484aae1ad9425b84077c", "4932caff0ff746eab6f01bf08b70ac45")
	assert.Equal(t, "ea1db124af3c7062474693fa704f4ff8", mixin)

	query := url.Values{}
	query.Set("foo", "114")
	query.Set("bar", "514")
	query.Set("zab", "1919810")
	signQuery(query, mixin, time.Unix(1702204169, 0))
	assert.Equal(t, "1702204169", query.Get("wts"))
	assert.Equal(t, "8f6f2b5b3d485fe1886cec6a0be8c5d4", query.Get("w_rid"))

	assert.Equal(t, "7cd084941338484aae1ad9425b84077c", extractWBIKey("https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png"))
	assert.Equal(t, "", generateWBIMixinKey("short", "keys"))
}

func TestDanmuInfoSignsQuery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/x/web-interface/nav", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":-101,"data":{"wbi_img":{
			"img_url":"https://i0.hdslb.com/bfs/wbi/7cd084941338484aae1ad9425b84077c.png",
			"sub_url":"https://i0.hdslb.com/bfs/wbi/4932caff0ff746eab6f01bf08b70ac45.png"}}}`))
	})
	mux.HandleFunc("/xlive/web-room/v1/index/getDanmuInfo", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "5050", q.Get("id"))
		assert.NotEmpty(t, q.Get("w_rid"))
		assert.NotEmpty(t, q.Get("wts"))
		_, _ = w.Write([]byte(`{"code":0,"data":{"token":"tok","host_list":[{"host":"broadcastlv.chat.bilibili.com","port":2243,"wss_port":443,"ws_port":2244}]}}`))
	})
	client, _ := newTestClient(t, mux)

	info, err := client.DanmuInfo(context.Background(), 5050)
	require.NoError(t, err)
	assert.Equal(t, "tok", info.Token)
	require.Len(t, info.Hosts, 1)
	assert.Equal(t, 443, info.Hosts[0].WSSPort)
}

func TestNetworkFailureUnwraps(t *testing.T) {
	client := New(nil, Options{APIBase: "http://127.0.0.1:1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.VideoView(ctx, VideoRef{AID: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "network", StageOf(err))
}

func TestCancelledRequestIsNotRecorded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client, recorder := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}))

	_, err := client.VideoView(ctx, VideoRef{AID: 77})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, recorder.snapshot())
}
