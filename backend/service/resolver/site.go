package resolver

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/grafana/regexp"

	"iinaplus/bridge/backend/service/bilibili"
)

type Site string

const (
	SiteLive        Site = bilibili.SiteLive
	SiteVideo       Site = bilibili.SiteVideo
	SiteBangumi     Site = bilibili.SiteBangumi
	SiteUnsupported Site = "unsupported"
)

// BilibiliFamily reports whether comments for s come from bilibili and its block list applies.
func (s Site) BilibiliFamily() bool {
	switch s {
	case SiteLive, SiteVideo, SiteBangumi:
		return true
	default:
		return false
	}
}

// Target is a classified URL with the identifiers its resolution chain needs.
type Target struct {
	Site      Site
	RoomID    int64
	BVID      string
	AID       int64
	Page      int
	EpisodeID int64
	SeasonID  int64
}

var (
	livePathPattern    = regexp.MustCompile(`^/(?:blanc/|h5/)?(\d+)`)
	bvidPathPattern    = regexp.MustCompile(`^/(?:s/)?video/(BV[0-9A-Za-z]{10})`)
	aidPathPattern     = regexp.MustCompile(`^/(?:s/)?video/av(\d+)`)
	episodePathPattern = regexp.MustCompile(`^/bangumi/play/ep(\d+)`)
	seasonPathPattern  = regexp.MustCompile(`^/bangumi/play/ss(\d+)`)
)

// Classify maps a page URL to the site that can resolve it. Anything not recognised is
// SiteUnsupported.
func Classify(rawURL string) Target {
	unsupported := Target{Site: SiteUnsupported}
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return unsupported
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return unsupported
	}
	host := strings.ToLower(parsed.Hostname())
	switch host {
	case "live.bilibili.com":
		match := livePathPattern.FindStringSubmatch(parsed.Path)
		if match == nil {
			return unsupported
		}
		roomID, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil || roomID <= 0 {
			return unsupported
		}
		return Target{Site: SiteLive, RoomID: roomID}
	case "www.bilibili.com", "bilibili.com", "m.bilibili.com":
	default:
		return unsupported
	}

	if match := bvidPathPattern.FindStringSubmatch(parsed.Path); match != nil {
		return Target{Site: SiteVideo, BVID: match[1], Page: pageOf(parsed)}
	}
	if match := aidPathPattern.FindStringSubmatch(parsed.Path); match != nil {
		aid, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil || aid <= 0 {
			return unsupported
		}
		return Target{Site: SiteVideo, AID: aid, Page: pageOf(parsed)}
	}
	if match := episodePathPattern.FindStringSubmatch(parsed.Path); match != nil {
		epID, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil || epID <= 0 {
			return unsupported
		}
		return Target{Site: SiteBangumi, EpisodeID: epID}
	}
	if match := seasonPathPattern.FindStringSubmatch(parsed.Path); match != nil {
		seasonID, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil || seasonID <= 0 {
			return unsupported
		}
		return Target{Site: SiteBangumi, SeasonID: seasonID}
	}
	return unsupported
}

func pageOf(parsed *url.URL) int {
	page, err := strconv.Atoi(strings.TrimSpace(parsed.Query().Get("p")))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

func (t Target) videoRef() bilibili.VideoRef {
	return bilibili.VideoRef{BVID: t.BVID, AID: t.AID}
}
