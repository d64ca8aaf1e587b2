package feed

import (
	"errors"
	"fmt"
	"time"

	"iinaplus/bridge/backend/service/danmaku"
	"iinaplus/bridge/backend/service/resolver"
)

var ErrNoFeed = errors.New("site has no danmaku feed")

// Upstream is what the controllers fetch from bilibili.
type Upstream interface {
	DanmuSource
	CommentSource
}

type Deps struct {
	Upstream  Upstream
	Resolver  MediaResolver
	Rules     RuleStore
	AssetsDir string
	// LoadTimeout bounds the video comment download.
	LoadTimeout time.Duration
}

// NewFactory returns the registry's controller factory: a message-stream relay for
// live rooms and a comment file loader for videos and bangumi episodes.
func NewFactory(deps Deps) danmaku.ControllerFactory {
	timeout := deps.LoadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return func(id string, site resolver.Site, rawURL string, emit danmaku.Emitter) (danmaku.Controller, error) {
		switch site {
		case resolver.SiteLive:
			target := resolver.Classify(rawURL)
			if target.Site != resolver.SiteLive {
				return nil, fmt.Errorf("%w: %s is not a live room url", ErrNoFeed, rawURL)
			}
			return newLiveController(id, target.RoomID, deps.Upstream, deps.Rules, emit), nil
		case resolver.SiteVideo, resolver.SiteBangumi:
			return &videoController{
				id:        id,
				site:      string(site),
				rawURL:    rawURL,
				resolver:  deps.Resolver,
				comments:  deps.Upstream,
				rules:     deps.Rules,
				emit:      emit,
				assetsDir: deps.AssetsDir,
				timeout:   timeout,
			}, nil
		default:
			return nil, fmt.Errorf("%w: %s", ErrNoFeed, site)
		}
	}
}
