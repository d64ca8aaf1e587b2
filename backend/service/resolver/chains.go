package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"iinaplus/bridge/backend/media"
	"iinaplus/bridge/backend/service/bilibili"
)

func (p *Pipeline) resolveLive(ctx context.Context, rawURL string, target Target) (*media.ResolvedMedia, error) {
	roomDoc, err := p.upstream.RoomInfo(ctx, target.RoomID)
	if err != nil {
		return nil, fmt.Errorf("fetch room info: %w", err)
	}
	info, err := media.ParseLiveInfo(roomDoc)
	if err != nil {
		return nil, err
	}
	if !info.IsLiving {
		return nil, fmt.Errorf("%w: room %d", ErrNotLive, target.RoomID)
	}
	// Short room ids resolve to the long id used by the play URL API.
	roomID := info.RoomID
	if roomID <= 0 {
		roomID = target.RoomID
	}
	playDoc, err := p.upstream.RoomPlayInfo(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("fetch room play info: %w", err)
	}
	play, err := media.ParseLivePlayURL(playDoc)
	if err != nil {
		return nil, err
	}

	result := &media.ResolvedMedia{
		Title:      info.Title,
		Site:       string(SiteLive),
		URL:        rawURL,
		DanmakuURL: p.overlayURL,
		Live:       &info,
	}
	play.WriteTo(result)
	return result, nil
}

type videoPage struct {
	CID      int64
	Part     string
	Duration int
}

type videoView struct {
	Title    string
	Duration int
	Pages    []videoPage
}

func parseVideoView(doc json.RawMessage) (videoView, error) {
	if !gjson.ValidBytes(doc) {
		return videoView{}, fmt.Errorf("%w: video view", media.ErrMalformedDocument)
	}
	root := gjson.ParseBytes(doc)
	title := root.Get("title")
	if !title.Exists() {
		return videoView{}, &media.MissingFieldError{Family: "video_view", Field: "title"}
	}
	view := videoView{Title: title.String(), Duration: int(root.Get("duration").Int())}
	for _, page := range root.Get("pages").Array() {
		view.Pages = append(view.Pages, videoPage{
			CID:      page.Get("cid").Int(),
			Part:     page.Get("part").String(),
			Duration: int(page.Get("duration").Int()),
		})
	}
	if len(view.Pages) == 0 {
		cid := root.Get("cid").Int()
		if cid <= 0 {
			return videoView{}, &media.MissingFieldError{Family: "video_view", Field: "cid"}
		}
		view.Pages = append(view.Pages, videoPage{CID: cid, Duration: view.Duration})
	}
	return view, nil
}

// page picks the 1-based page n, falling back to the first page when n is out of range.
func (v videoView) page(n int) (videoPage, int) {
	if n < 1 || n > len(v.Pages) {
		n = 1
	}
	return v.Pages[n-1], n
}

func (p *Pipeline) resolveVideo(ctx context.Context, rawURL string, target Target) (*media.ResolvedMedia, error) {
	viewDoc, err := p.upstream.VideoView(ctx, target.videoRef())
	if err != nil {
		return nil, fmt.Errorf("fetch video view: %w", err)
	}
	view, err := parseVideoView(viewDoc)
	if err != nil {
		return nil, err
	}
	page, index := view.page(target.Page)
	title := view.Title
	if len(view.Pages) > 1 && page.Part != "" {
		title = fmt.Sprintf("%s - P%d %s", view.Title, index, page.Part)
	}

	playDoc, err := p.upstream.PlayURL(ctx, target.videoRef(), page.CID)
	if err != nil {
		return nil, fmt.Errorf("fetch play url: %w", err)
	}
	result := &media.ResolvedMedia{
		Title:      title,
		Site:       string(SiteVideo),
		URL:        rawURL,
		Duration:   page.Duration,
		DanmakuURL: bilibili.CommentURL(page.CID),
	}
	if err := writePlayInfo(playDoc, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) resolveBangumi(ctx context.Context, rawURL string, target Target) (*media.ResolvedMedia, error) {
	seasonDoc, err := p.upstream.SeasonInfo(ctx, target.EpisodeID, target.SeasonID)
	if err != nil {
		return nil, fmt.Errorf("fetch season info: %w", err)
	}
	season, err := media.ParseBangumiInfo(seasonDoc)
	if err != nil {
		return nil, err
	}
	var (
		episode media.BangumiEpisode
		ok      bool
	)
	if target.EpisodeID > 0 {
		episode, ok = season.EpisodeByID(target.EpisodeID)
	} else {
		episode, ok = season.FirstEpisode()
	}
	if !ok {
		return nil, fmt.Errorf("%w: episode %d not in season %q", media.ErrMalformedDocument, target.EpisodeID, season.Title)
	}

	playDoc, err := p.upstream.BangumiPlayURL(ctx, episode.ID, episode.CID)
	if err != nil {
		return nil, fmt.Errorf("fetch bangumi play url: %w", err)
	}
	title := season.Title
	if episode.Title != "" {
		title = strings.TrimSpace(fmt.Sprintf("%s - %s %s", season.Title, episode.Title, episode.LongTitle))
	}
	result := &media.ResolvedMedia{
		Title:      title,
		Site:       string(SiteBangumi),
		URL:        rawURL,
		Duration:   episode.Duration,
		DanmakuURL: bilibili.CommentURL(episode.CID),
	}
	if err := writePlayInfo(playDoc, result); err != nil {
		return nil, err
	}
	return result, nil
}

// writePlayInfo applies the DASH normalizer when the manifest carries dash and the
// flat one otherwise. Nothing is written when parsing fails.
func writePlayInfo(doc json.RawMessage, result *media.ResolvedMedia) error {
	if gjson.GetBytes(doc, "dash").Exists() {
		info, err := media.ParseDashPlayInfo(doc)
		if err != nil {
			return err
		}
		info.WriteTo(result)
		return nil
	}
	info, err := media.ParseLegacyPlayInfo(doc)
	if err != nil {
		return err
	}
	info.WriteTo(result)
	return nil
}
