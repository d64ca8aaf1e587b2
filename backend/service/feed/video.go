package feed

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grafana/regexp"

	"iinaplus/bridge/backend/media"
	"iinaplus/bridge/backend/metrics"
	"iinaplus/bridge/backend/service/danmaku"
)

// CommentSource downloads the comment document of a video page.
type CommentSource interface {
	CommentXML(ctx context.Context, cid int64) ([]byte, error)
}

// MediaResolver resolves the page URL so the comment id is known.
type MediaResolver interface {
	ResolveSync(ctx context.Context, rawURL string) (*media.ResolvedMedia, error)
}

var (
	commentElementPattern = regexp.MustCompile(`<d p="([^"]*)">([^<]*)</d>`)
	commentURLPattern     = regexp.MustCompile(`/(\d+)\.xml$`)
	unsafeNamePattern     = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// videoController fetches the comment document once, filters it and tells the
// overlay to load the filtered copy.
type videoController struct {
	id        string
	site      string
	rawURL    string
	resolver  MediaResolver
	comments  CommentSource
	rules     RuleStore
	emit      danmaku.Emitter
	assetsDir string
	timeout   time.Duration

	filterMu sync.RWMutex
	filter   *Filter

	cancel context.CancelFunc
	done   chan struct{}
}

func (c *videoController) PrepareBlockList(ctx context.Context) error {
	filter, err := loadFilter(ctx, c.rules)
	if filter != nil {
		c.filterMu.Lock()
		c.filter = filter
		c.filterMu.Unlock()
	}
	return err
}

func (c *videoController) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		defer cancel()
		if err := c.load(ctx); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
			log.Printf("[feed][error] load comments id=%s url=%s: %v", c.id, c.rawURL, err)
		}
	}()
}

func (c *videoController) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	if err := os.Remove(c.fileName()); err != nil && !os.IsNotExist(err) {
		log.Printf("[feed][warn] remove comment file id=%s: %v", c.id, err)
	}
}

func (c *videoController) fileName() string {
	return filepath.Join(c.assetsDir, "comments-"+unsafeNamePattern.ReplaceAllString(c.id, "_")+".xml")
}

func (c *videoController) load(ctx context.Context) error {
	resolved, err := c.resolver.ResolveSync(ctx, c.rawURL)
	if err != nil {
		return err
	}
	cid, ok := commentID(resolved.DanmakuURL)
	if !ok {
		return fmt.Errorf("no comment id in %q", resolved.DanmakuURL)
	}
	doc, err := c.comments.CommentXML(ctx, cid)
	if err != nil {
		return err
	}
	c.filterMu.RLock()
	filtered, kept, dropped := filterCommentXML(doc, c.filter)
	c.filterMu.RUnlock()

	if err := writeFileAtomic(c.fileName(), filtered); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.FeedMessages.WithLabelValues(c.site).Add(float64(kept))
	log.Printf("[feed] comments ready id=%s cid=%d kept=%d dropped=%d", c.id, cid, kept, dropped)
	c.emit(danmaku.MethodLoadDM, filepath.Base(c.fileName()))
	return nil
}

func commentID(rawURL string) (int64, bool) {
	match := commentURLPattern.FindStringSubmatch(rawURL)
	if match == nil {
		return 0, false
	}
	cid, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil || cid <= 0 {
		return 0, false
	}
	return cid, true
}

// filterCommentXML rebuilds the comment document without blocked entries. The sender
// hash is the seventh field of the p attribute.
func filterCommentXML(doc []byte, filter *Filter) ([]byte, int, int) {
	matches := commentElementPattern.FindAllSubmatch(doc, -1)
	var b strings.Builder
	b.Grow(len(doc))
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><i>`)
	kept, dropped := 0, 0
	for _, match := range matches {
		attrs := strings.Split(string(match[1]), ",")
		user := ""
		if len(attrs) > 6 {
			user = attrs[6]
		}
		if filter.Blocked(html.UnescapeString(string(match[2])), user) {
			dropped++
			continue
		}
		b.Write(match[0])
		kept++
	}
	b.WriteString(`</i>`)
	return []byte(b.String()), kept, dropped
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
