package media

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dashFixture = `{
	"accept_quality": [80, 64, 32, 16],
	"accept_description": ["1080P", "720P", "480P", "360P"],
	"dash": {
		"duration": 212,
		"video": [
			{"id": 80, "baseUrl": "https://v/80-avc", "bandwidth": 3000, "backupUrl": ["https://b/80-avc"]},
			{"id": 80, "baseUrl": "https://v/80-hevc", "bandwidth": 2000},
			{"id": 64, "baseUrl": "https://v/64", "bandwidth": 1500},
			{"id": 32, "baseUrl": "https://v/32", "bandwidth": 800, "backupUrl": null},
			{"id": 64, "baseUrl": "https://v/64-hevc", "bandwidth": 1000}
		],
		"audio": [
			{"id": 30216, "baseUrl": "https://a/3", "bandwidth": 3},
			{"id": 30232, "baseUrl": "https://a/1", "bandwidth": 1},
			{"id": 30280, "baseUrl": "https://a/2", "bandwidth": 2}
		]
	}
}`

func TestDashCollapsesDuplicateQualities(t *testing.T) {
	info, err := ParseDashPlayInfo([]byte(dashFixture))
	require.NoError(t, err)

	var m ResolvedMedia
	info.WriteTo(&m)

	require.Equal(t, 3, m.Streams.Len())
	assert.Equal(t, []string{"1080P", "720P", "480P"}, m.Streams.Labels())

	hd, _ := m.Streams.Get("1080P")
	assert.Equal(t, "https://v/80-avc", hd.URL)
	assert.Equal(t, []string{"https://b/80-avc"}, hd.Src)
	assert.Equal(t, 999, hd.Quality)

	mid, _ := m.Streams.Get("720P")
	assert.Equal(t, "https://v/64", mid.URL)
	assert.Equal(t, 997, mid.Quality)

	low, _ := m.Streams.Get("480P")
	assert.Equal(t, 996, low.Quality)
	assert.Empty(t, low.Src)

	assert.Equal(t, 212, m.Duration)
}

func TestDashPicksHighestBandwidthAudio(t *testing.T) {
	orders := [][]string{
		{`3`, `1`, `2`},
		{`1`, `2`, `3`},
		{`2`, `3`, `1`},
	}
	for _, order := range orders {
		audios := make([]string, 0, len(order))
		for _, bw := range order {
			audios = append(audios, `{"baseUrl": "https://a/`+bw+`", "bandwidth": `+bw+`}`)
		}
		doc := `{"accept_quality": [16], "accept_description": ["360P"], "dash": {"duration": 1,
			"video": [{"id": 16, "baseUrl": "https://v/16", "bandwidth": 1}],
			"audio": [` + strings.Join(audios, ",") + `]}}`

		info, err := ParseDashPlayInfo([]byte(doc))
		require.NoError(t, err)
		m := ResolvedMedia{Audio: "https://a/previous"}
		info.WriteTo(&m)
		assert.Equal(t, "https://a/3", m.Audio, "order %v", order)
	}
}

func TestDashMissingBaseURLFails(t *testing.T) {
	doc := `{"accept_quality": [80], "accept_description": ["1080P"], "dash": {"duration": 5,
		"video": [{"id": 80, "baseUrl": "https://v/80", "bandwidth": 1}, {"id": 64, "bandwidth": 1}]}}`

	info, err := ParseDashPlayInfo([]byte(doc))
	require.Error(t, err)
	assert.Nil(t, info)

	var missing *MissingFieldError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "dash.video.1.baseUrl", missing.Field)
}

func TestDashOptionalAudioMissing(t *testing.T) {
	doc := `{"accept_quality": [80], "accept_description": ["1080P"], "dash": {"duration": 5,
		"video": [{"id": 80, "baseUrl": "https://v/80", "bandwidth": 1}]}}`
	info, err := ParseDashPlayInfo([]byte(doc))
	require.NoError(t, err)

	var m ResolvedMedia
	info.WriteTo(&m)
	assert.Empty(t, m.Audio)
	assert.Equal(t, 1, m.Streams.Len())
}

func TestDashUnknownQualityFallsBackToID(t *testing.T) {
	doc := `{"accept_quality": [80], "accept_description": ["1080P"], "dash": {"duration": 5,
		"video": [{"id": 120, "baseUrl": "https://v/120", "bandwidth": 1}]}}`
	info, err := ParseDashPlayInfo([]byte(doc))
	require.NoError(t, err)

	var m ResolvedMedia
	info.WriteTo(&m)
	_, ok := m.Streams.Get("120")
	assert.True(t, ok)
}

const legacyFixture = `{
	"quality": 64,
	"timelength": 125500,
	"accept_quality": [116, 80, 64, 32, 16],
	"accept_description": ["1080P60", "1080P", "720P", "480P", "360P"],
	"durl": [{"url": "https://d/64", "backup_url": ["https://d/64-b1", "https://d/64-b2"], "length": 125500}]
}`

func TestLegacyOnEmptyAccumulatorRestrictsToUnlocked(t *testing.T) {
	info, err := ParseLegacyPlayInfo([]byte(legacyFixture))
	require.NoError(t, err)

	var m ResolvedMedia
	info.WriteTo(&m)

	assert.Equal(t, []string{"720P", "480P", "360P"}, m.Streams.Labels())
	withURL := 0
	for _, label := range m.Streams.Labels() {
		entry, _ := m.Streams.Get(label)
		if entry.URL != "" {
			withURL++
		}
	}
	assert.Equal(t, 1, withURL)

	selected, _ := m.Streams.Get("720P")
	assert.Equal(t, "https://d/64", selected.URL)
	assert.Equal(t, []string{"https://d/64-b1", "https://d/64-b2"}, selected.Src)
	assert.Equal(t, 64, selected.Quality)

	low, _ := m.Streams.Get("360P")
	assert.Equal(t, 16, low.Quality)
	assert.Equal(t, 125, m.Duration)
}

func TestLegacyMergesIntoExistingStreams(t *testing.T) {
	var m ResolvedMedia
	m.Streams.Upsert("1080P", func(e *StreamEntry) {
		e.URL = "https://existing/80"
		e.Quality = 998
	})

	info, err := ParseLegacyPlayInfo([]byte(legacyFixture))
	require.NoError(t, err)
	info.WriteTo(&m)

	assert.Equal(t, 5, m.Streams.Len())
	for _, label := range m.Streams.Labels() {
		entry, _ := m.Streams.Get(label)
		switch label {
		case "1080P":
			assert.Equal(t, "https://existing/80", entry.URL)
			assert.Equal(t, 80, entry.Quality)
		case "720P":
			assert.Equal(t, "https://d/64", entry.URL)
		default:
			assert.Empty(t, entry.URL, label)
		}
	}
}

func TestLegacyMissingQualityFails(t *testing.T) {
	doc := `{"timelength": 1, "accept_quality": [16], "accept_description": ["360P"], "durl": []}`
	_, err := ParseLegacyPlayInfo([]byte(doc))
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "quality", missing.Field)
}

const livePlayFixture = `{
	"playurl_info": {"playurl": {
		"g_qn_desc": [
			{"qn": 10000, "desc": "原画"},
			{"qn": 150, "desc": "高清"},
			{"qn": 80, "desc": "流畅"}
		],
		"stream": [{
			"protocol_name": "http_stream",
			"format": [{
				"format_name": "flv",
				"codec": [{
					"codec_name": "avc",
					"current_qn": 150,
					"accept_qn": [150, 80],
					"base_url": "/live/room_1500.flv?",
					"url_info": [
						{"host": "https://h1.example", "extra": "token=1", "stream_ttl": 3600},
						{"host": "https://h2.example", "extra": "token=2", "stream_ttl": 3600}
					]
				}, {
					"codec_name": "hevc",
					"current_qn": 10000,
					"accept_qn": [10000],
					"base_url": "/hevc",
					"url_info": [{"host": "https://h3.example", "extra": ""}]
				}]
			}]
		}]
	}}
}`

func TestLivePlayURLUsesFirstCodec(t *testing.T) {
	play, err := ParseLivePlayURL([]byte(livePlayFixture))
	require.NoError(t, err)

	var m ResolvedMedia
	play.WriteTo(&m)

	require.Equal(t, 2, m.Streams.Len())
	current, ok := m.Streams.Get("高清")
	require.True(t, ok)
	assert.Equal(t, "https://h1.example/live/room_1500.flv?token=1", current.URL)
	assert.Equal(t, []string{"https://h2.example/live/room_1500.flv?token=2"}, current.Src)
	assert.Equal(t, 150, current.Quality)

	other, ok := m.Streams.Get("流畅")
	require.True(t, ok)
	assert.Equal(t, 80, other.Quality)
	assert.Empty(t, other.URL)

	_, ok = m.Streams.Get("原画")
	assert.False(t, ok)
}

func TestLivePlayURLEmptyURLInfoOnUnusedCodec(t *testing.T) {
	doc := strings.Replace(livePlayFixture, `"url_info": [{"host": "https://h3.example", "extra": ""}]`, `"url_info": []`, 1)
	parsed, err := ParseLivePlayURL([]byte(doc))
	require.NoError(t, err)
	m := &ResolvedMedia{}
	parsed.WriteTo(m)
	current, ok := m.Streams.Get("高清")
	require.True(t, ok)
	assert.Equal(t, "https://h1.example/live/room_1500.flv?token=1", current.URL)
}

func TestLivePlayURLEmptyURLInfoOnPlayedCodecFails(t *testing.T) {
	start := strings.Index(livePlayFixture, `"url_info": [`)
	end := start + strings.Index(livePlayFixture[start:], "]")
	doc := livePlayFixture[:start] + `"url_info": []` + livePlayFixture[end+1:]
	require.NotEqual(t, livePlayFixture, doc)
	_, err := ParseLivePlayURL([]byte(doc))
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "playurl_info.playurl.stream.0.format.0.codec.0.url_info.0", missing.Field)
}

func TestParseLiveInfo(t *testing.T) {
	doc := `{"room_info": {"room_id": 21452505, "title": "night stream", "live_status": 1, "cover": "//i0.hdslb.com/c.jpg"},
		"anchor_info": {"base_info": {"uname": "host", "face": "https://i0.hdslb.com/f.jpg"}}}`
	info, err := ParseLiveInfo([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "night stream", info.Title)
	assert.Equal(t, "host", info.Name)
	assert.Equal(t, "https://i0.hdslb.com/c.jpg", info.Cover)
	assert.True(t, info.IsLiving)
	assert.Equal(t, int64(21452505), info.RoomID)

	_, err = ParseLiveInfo([]byte(`{"room_info": {"live_status": 0}}`))
	var missing *MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "room_info.title", missing.Field)
}

func TestParseBangumiInfo(t *testing.T) {
	doc := `{
		"title": "Show", "media_id": 28229233, "season_id": 39462,
		"cover": "https://i0.hdslb.com/cover.png",
		"episodes": [
			{"id": 425000, "aid": 1, "bvid": "BV1a", "cid": 10, "title": "1", "long_title": "Pilot", "cover": "//i0/1.png", "duration": 1420000},
			{"id": 425001, "aid": 2, "cid": 11, "title": "2"}
		],
		"section": [{"id": 7, "title": "PV", "type": 1, "episodes": [{"id": 900, "cid": 99}]}]
	}`
	info, err := ParseBangumiInfo([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "Show", info.Title)
	assert.Equal(t, int64(39462), info.Media.SeasonID)
	require.Len(t, info.Episodes, 2)
	assert.Equal(t, "https://i0/1.png", info.Episodes[0].Cover)
	assert.Equal(t, 1420, info.Episodes[0].Duration)
	assert.Equal(t, "", info.Episodes[1].BVID)

	ep, ok := info.EpisodeByID(900)
	require.True(t, ok)
	assert.Equal(t, int64(99), ep.CID)

	first, ok := info.FirstEpisode()
	require.True(t, ok)
	assert.Equal(t, int64(425000), first.ID)
}

func TestStreamsMarshalOrdersByRank(t *testing.T) {
	var m ResolvedMedia
	m.Streams.Upsert("low", func(e *StreamEntry) { e.Quality = 16; e.URL = "l" })
	m.Streams.Upsert("high", func(e *StreamEntry) { e.Quality = 80; e.URL = "h" })

	body, err := json.Marshal(m.Streams)
	require.NoError(t, err)
	assert.Equal(t, `{"high":{"url":"h","src":[],"quality":80},"low":{"url":"l","src":[],"quality":16}}`, string(body))

	label, ok := m.BestLabel()
	require.True(t, ok)
	assert.Equal(t, "high", label)
}

func TestLaunchURL(t *testing.T) {
	m := ResolvedMedia{Title: "a b", Audio: "https://a/1", DanmakuURL: "https://comment.bilibili.com/1.xml"}
	m.Streams.Upsert("1080P", func(e *StreamEntry) { e.URL = "https://v/1?x=1"; e.Quality = 999 })

	normal, ok := m.LaunchURL("1080P", ParseLaunchType(""))
	require.True(t, ok)
	assert.Equal(t, "iina://open?url=https%3A%2F%2Fv%2F1%3Fx%3D1&mpv_audio-file=https%3A%2F%2Fa%2F1&mpv_force-media-title=a+b", normal)

	withDM, ok := m.LaunchURL("1080P", ParseLaunchType("danmaku"))
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(withDM, "&mpv_script-opts=iinaplus-danmaku%3Dhttps%3A%2F%2Fcomment.bilibili.com%2F1.xml"))

	_, ok = m.LaunchURL("720P", LaunchNormal)
	assert.False(t, ok)
}
