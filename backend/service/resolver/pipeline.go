package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"

	"iinaplus/bridge/backend/media"
	"iinaplus/bridge/backend/metrics"
	"iinaplus/bridge/backend/service/bilibili"
)

var (
	ErrUnsupportedSite = errors.New("unsupported site")
	ErrNotLive         = errors.New("room is not live")
	ErrResolveTimeout  = errors.New("resolution timed out")
	ErrPipelineClosed  = errors.New("resolver is closed")
)

// Upstream is the subset of the bilibili client the chains need.
type Upstream interface {
	RoomInfo(ctx context.Context, roomID int64) (json.RawMessage, error)
	RoomPlayInfo(ctx context.Context, roomID int64) (json.RawMessage, error)
	VideoView(ctx context.Context, ref bilibili.VideoRef) (json.RawMessage, error)
	PlayURL(ctx context.Context, ref bilibili.VideoRef, cid int64) (json.RawMessage, error)
	SeasonInfo(ctx context.Context, epID int64, seasonID int64) (json.RawMessage, error)
	BangumiPlayURL(ctx context.Context, epID int64, cid int64) (json.RawMessage, error)
}

type Options struct {
	Workers         int
	Timeout         time.Duration
	CacheTTL        time.Duration
	CacheMaxEntries int
	// OverlayURL is the comment feed address handed out for live rooms.
	OverlayURL string
}

// Pipeline resolves page URLs into media.ResolvedMedia on a bounded worker pool.
// Results are shared between callers and must be treated as read-only.
type Pipeline struct {
	upstream   Upstream
	pool       *ants.Pool
	cache      *otter.Cache[string, *media.ResolvedMedia]
	group      singleflight.Group
	timeout    time.Duration
	overlayURL string
}

func New(upstream Upstream, opts Options) (*Pipeline, error) {
	if upstream == nil {
		return nil, errors.New("resolver upstream is nil")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	pool, err := ants.NewPool(workers, ants.WithPreAlloc(true))
	if err != nil {
		return nil, fmt.Errorf("create resolver pool: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	p := &Pipeline{
		upstream:   upstream,
		pool:       pool,
		timeout:    timeout,
		overlayURL: opts.OverlayURL,
	}
	if opts.CacheTTL > 0 {
		maxEntries := opts.CacheMaxEntries
		if maxEntries <= 0 {
			maxEntries = 256
		}
		p.cache = otter.Must(&otter.Options[string, *media.ResolvedMedia]{
			MaximumSize:      maxEntries,
			ExpiryCalculator: otter.ExpiryWriting[string, *media.ResolvedMedia](opts.CacheTTL),
		})
	}
	return p, nil
}

// Future is the pending outcome of Resolve.
type Future struct {
	done  chan struct{}
	media *media.ResolvedMedia
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(m *media.ResolvedMedia, err error) {
	f.media = m
	f.err = err
	close(f.done)
}

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the resolution finishes or ctx ends.
func (f *Future) Wait(ctx context.Context) (*media.ResolvedMedia, error) {
	select {
	case <-f.done:
		return f.media, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve starts resolving rawURL on the worker pool. Concurrent calls for the
// same URL share one resolution that runs under its own timeout, so cancelling
// ctx only releases this caller.
func (p *Pipeline) Resolve(ctx context.Context, rawURL string) *Future {
	if ctx == nil {
		ctx = context.Background()
	}
	future := newFuture()
	target := Classify(rawURL)
	if target.Site == SiteUnsupported {
		metrics.Resolutions.WithLabelValues(string(target.Site), "unsupported").Inc()
		future.complete(nil, fmt.Errorf("%w: %s", ErrUnsupportedSite, rawURL))
		return future
	}
	if cached, ok := p.cached(rawURL); ok {
		metrics.Resolutions.WithLabelValues(string(target.Site), "cached").Inc()
		future.complete(cached, nil)
		return future
	}
	shared := p.group.DoChan(rawURL, func() (any, error) {
		return p.resolveShared(context.WithoutCancel(ctx), rawURL, target)
	})
	go func() {
		select {
		case res := <-shared:
			if res.Err != nil {
				future.complete(nil, res.Err)
				return
			}
			future.complete(res.Val.(*media.ResolvedMedia), nil)
		case <-ctx.Done():
			future.complete(nil, ctx.Err())
		}
	}()
	return future
}

// ResolveSync waits for Resolve under the configured timeout, including time
// spent queued for a worker.
func (p *Pipeline) ResolveSync(ctx context.Context, rawURL string) (*media.ResolvedMedia, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	result, err := p.Resolve(ctx, rawURL).Wait(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s: %s", ErrResolveTimeout, p.timeout, rawURL)
	}
	return result, err
}

type outcome struct {
	media *media.ResolvedMedia
	err   error
}

// resolveShared runs one resolution on the pool. The work deadline starts before
// the task is queued; an expired task is skipped.
func (p *Pipeline) resolveShared(base context.Context, rawURL string, target Target) (*media.ResolvedMedia, error) {
	ctx, cancel := context.WithTimeout(base, p.timeout)
	defer cancel()
	started := time.Now()
	done := make(chan outcome, 1)
	err := p.pool.Submit(func() {
		if err := ctx.Err(); err != nil {
			done <- outcome{err: err}
			return
		}
		result, err := p.resolveTarget(ctx, rawURL, target)
		done <- outcome{media: result, err: err}
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolClosed) {
			err = ErrPipelineClosed
		}
		return nil, err
	}

	res := <-done
	if res.err != nil {
		metrics.Resolutions.WithLabelValues(string(target.Site), resultLabel(res.err)).Inc()
		log.Printf("[resolver][error] resolve failed site=%s url=%s stage=%s err=%v", target.Site, rawURL, bilibili.StageOf(res.err), res.err)
		return nil, res.err
	}
	metrics.Resolutions.WithLabelValues(string(target.Site), "ok").Inc()
	log.Printf("[resolver] resolved site=%s url=%s streams=%d cost=%s", target.Site, rawURL, res.media.Streams.Len(), time.Since(started).Round(time.Millisecond))
	if p.cache != nil {
		p.cache.Set(rawURL, res.media)
	}
	return res.media, nil
}

func resultLabel(err error) string {
	var missing *media.MissingFieldError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrNotLive):
		return "not_live"
	case errors.As(err, &missing), errors.Is(err, media.ErrMalformedDocument):
		return "malformed"
	case bilibili.StageOf(err) != "":
		return "upstream"
	default:
		return "error"
	}
}

func (p *Pipeline) cached(rawURL string) (*media.ResolvedMedia, bool) {
	if p.cache == nil {
		return nil, false
	}
	return p.cache.GetIfPresent(rawURL)
}

// Invalidate drops a cached result.
func (p *Pipeline) Invalidate(rawURL string) {
	if p.cache != nil {
		p.cache.Invalidate(rawURL)
	}
}

func (p *Pipeline) Running() int {
	return p.pool.Running()
}

// Close stops accepting work and waits up to the resolve timeout for running tasks.
func (p *Pipeline) Close() {
	if err := p.pool.ReleaseTimeout(p.timeout); err != nil {
		log.Printf("[resolver][warn] release worker pool: %v", err)
	}
}

func (p *Pipeline) resolveTarget(ctx context.Context, rawURL string, target Target) (*media.ResolvedMedia, error) {
	switch target.Site {
	case SiteLive:
		return p.resolveLive(ctx, rawURL, target)
	case SiteVideo:
		return p.resolveVideo(ctx, rawURL, target)
	case SiteBangumi:
		return p.resolveBangumi(ctx, rawURL, target)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSite, rawURL)
	}
}
