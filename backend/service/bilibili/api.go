package bilibili

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

const (
	SiteLive    = "biliLive"
	SiteVideo   = "bilibili"
	SiteBangumi = "bangumi"

	liveReferer  = "https://live.bilibili.com/"
	videoReferer = "https://www.bilibili.com/"
)

// VideoRef identifies an on-demand video by bvid or aid. BVID wins when both are set.
type VideoRef struct {
	BVID string
	AID  int64
}

func (r VideoRef) apply(query url.Values) {
	if r.BVID != "" {
		query.Set("bvid", r.BVID)
		return
	}
	query.Set("aid", strconv.FormatInt(r.AID, 10))
}

// RoomInfo fetches the room/anchor document consumed by media.ParseLiveInfo.
func (c *Client) RoomInfo(ctx context.Context, roomID int64) (json.RawMessage, error) {
	query := url.Values{}
	query.Set("room_id", strconv.FormatInt(roomID, 10))
	return c.requestJSON(ctx, SiteLive, c.liveBase+"/xlive/web-room/v1/index/getInfoByRoom", query, liveReferer)
}

// RoomPlayInfo fetches the multi-protocol play URL document consumed by
// media.ParseLivePlayURL.
func (c *Client) RoomPlayInfo(ctx context.Context, roomID int64) (json.RawMessage, error) {
	query := url.Values{}
	query.Set("room_id", strconv.FormatInt(roomID, 10))
	query.Set("protocol", "0,1")
	query.Set("format", "0,1,2")
	query.Set("codec", "0,1")
	query.Set("qn", "10000")
	query.Set("platform", "web")
	query.Set("ptype", "8")
	return c.requestJSON(ctx, SiteLive, c.liveBase+"/xlive/web-room/v2/index/getRoomPlayInfo", query, liveReferer)
}

// VideoView fetches title, cid and page list of an on-demand video.
func (c *Client) VideoView(ctx context.Context, ref VideoRef) (json.RawMessage, error) {
	query := url.Values{}
	ref.apply(query)
	return c.requestJSON(ctx, SiteVideo, c.apiBase+"/x/web-interface/view", query, videoReferer)
}

// PlayURL fetches the DASH (or flat fallback) manifest of one video page.
func (c *Client) PlayURL(ctx context.Context, ref VideoRef, cid int64) (json.RawMessage, error) {
	query := url.Values{}
	ref.apply(query)
	query.Set("cid", strconv.FormatInt(cid, 10))
	query.Set("qn", "120")
	query.Set("fnval", "16")
	query.Set("fourk", "1")
	return c.requestJSON(ctx, SiteVideo, c.apiBase+"/x/player/playurl", query, videoReferer)
}

// SeasonInfo fetches a bangumi season by episode id or, when epID is zero, season id.
func (c *Client) SeasonInfo(ctx context.Context, epID int64, seasonID int64) (json.RawMessage, error) {
	query := url.Values{}
	switch {
	case epID > 0:
		query.Set("ep_id", strconv.FormatInt(epID, 10))
	case seasonID > 0:
		query.Set("season_id", strconv.FormatInt(seasonID, 10))
	default:
		return nil, fmt.Errorf("season lookup needs an episode or season id")
	}
	return c.requestJSON(ctx, SiteBangumi, c.apiBase+"/pgc/view/web/season", query, videoReferer)
}

func (c *Client) BangumiPlayURL(ctx context.Context, epID int64, cid int64) (json.RawMessage, error) {
	query := url.Values{}
	query.Set("ep_id", strconv.FormatInt(epID, 10))
	query.Set("cid", strconv.FormatInt(cid, 10))
	query.Set("qn", "120")
	query.Set("fnval", "16")
	query.Set("fourk", "1")
	return c.requestJSON(ctx, SiteBangumi, c.apiBase+"/pgc/player/web/playurl", query, videoReferer)
}

// CommentURL is the public comment document of a video page.
func CommentURL(cid int64) string {
	return defaultCommentBase + "/" + strconv.FormatInt(cid, 10) + ".xml"
}

// CommentXML downloads and inflates the comment document of a video page.
func (c *Client) CommentXML(ctx context.Context, cid int64) ([]byte, error) {
	body, err := c.requestRaw(ctx, SiteVideo, c.commentBase+"/"+strconv.FormatInt(cid, 10)+".xml", nil, videoReferer)
	if err != nil {
		return nil, err
	}
	// The endpoint sometimes omits Content-Encoding on a deflated body.
	if len(body) > 0 && body[0] != '<' {
		return inflate(body)
	}
	return body, nil
}
