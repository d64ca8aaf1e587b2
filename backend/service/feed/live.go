package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"iinaplus/bridge/backend/metrics"
	"iinaplus/bridge/backend/service/bilibili"
	"iinaplus/bridge/backend/service/danmaku"
)

const (
	heartbeatInterval = 30 * time.Second
	maxReconnectDelay = 30 * time.Second
	dialTimeout       = 10 * time.Second
)

// DanmuSource looks up the message-stream token and hosts of a live room.
type DanmuSource interface {
	DanmuInfo(ctx context.Context, roomID int64) (*bilibili.DanmuInfo, error)
}

// liveController relays a live room's message stream to its overlay as sendDM events.
type liveController struct {
	id     string
	roomID int64
	source DanmuSource
	rules  RuleStore
	emit   danmaku.Emitter
	dialer *websocket.Dialer
	// streamURL picks the endpoint from the offered hosts.
	streamURL func(hosts []bilibili.DanmuHost) (string, error)

	filterMu sync.RWMutex
	filter   *Filter

	cancel context.CancelFunc
	done   chan struct{}
}

func newLiveController(id string, roomID int64, source DanmuSource, rules RuleStore, emit danmaku.Emitter) *liveController {
	return &liveController{
		id:        id,
		roomID:    roomID,
		source:    source,
		rules:     rules,
		emit:      emit,
		dialer:    &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment},
		streamURL: pickStreamURL,
	}
}

func (c *liveController) PrepareBlockList(ctx context.Context) error {
	filter, err := loadFilter(ctx, c.rules)
	if filter != nil {
		c.filterMu.Lock()
		c.filter = filter
		c.filterMu.Unlock()
	}
	return err
}

func (c *liveController) blocked(content string, uid string) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	return c.filter.Blocked(content, uid)
}

func (c *liveController) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
}

func (c *liveController) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *liveController) run(ctx context.Context) {
	defer close(c.done)
	delay := time.Second
	for {
		started := time.Now()
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			delay = time.Second
		}
		log.Printf("[feed][warn] live room=%d id=%s stream ended: %v, reconnecting in %s", c.roomID, c.id, err, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *liveController) consume(ctx context.Context) error {
	info, err := c.source.DanmuInfo(ctx, c.roomID)
	if err != nil {
		return fmt.Errorf("get danmu info: %w", err)
	}
	wsURL, err := c.streamURL(info.Hosts)
	if err != nil {
		return err
	}
	headers := make(http.Header)
	headers.Set("Origin", "https://live.bilibili.com")
	headers.Set("Referer", "https://live.bilibili.com/"+strconv.FormatInt(c.roomID, 10))
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect %s failed (http=%d): %w", wsURL, resp.StatusCode, err)
		}
		return fmt.Errorf("connect %s failed: %w", wsURL, err)
	}
	defer conn.Close()
	// Unblock ReadMessage as soon as the controller stops.
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopWatch()

	authBody, err := json.Marshal(map[string]any{
		"uid":      0,
		"roomid":   c.roomID,
		"protover": 3,
		"platform": "web",
		"type":     2,
		"key":      strings.TrimSpace(info.Token),
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, encodePacket(opAuth, 1, 1, authBody)); err != nil {
		return err
	}
	heartbeat := encodePacket(opHeartbeat, 1, 1, []byte("[object Object]"))
	_ = conn.WriteMessage(websocket.BinaryMessage, heartbeat)
	log.Printf("[feed] live room=%d id=%s connected to %s", c.roomID, c.id, wsURL)

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(dialTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, heartbeat); err != nil {
				return err
			}
		case frame := <-frames:
			packets, err := decodePackets(frame)
			if err != nil {
				log.Printf("[feed][warn] live room=%d decode packet failed: %v", c.roomID, err)
			}
			for _, p := range packets {
				switch p.Operation {
				case opAuthReply:
					if code := gjson.GetBytes(p.Payload, "code").Int(); code != 0 {
						return fmt.Errorf("auth rejected code=%d", code)
					}
				case opMessage:
					c.dispatch(p.Payload)
				}
			}
		}
	}
}

// dispatch forwards a DANMU_MSG command to the overlay.
func (c *liveController) dispatch(payload []byte) {
	comment, ok := parseLiveComment(payload)
	if !ok || c.blocked(comment.Content, comment.UID) {
		return
	}
	metrics.FeedMessages.WithLabelValues(bilibili.SiteLive).Inc()
	c.emit(danmaku.MethodSendDM, comment.Content)
}

type liveComment struct {
	Content string
	UID     string
	Uname   string
}

func parseLiveComment(payload []byte) (liveComment, bool) {
	if !gjson.ValidBytes(payload) {
		return liveComment{}, false
	}
	root := gjson.ParseBytes(payload)
	cmd := strings.ToUpper(strings.TrimSpace(root.Get("cmd").String()))
	if idx := strings.Index(cmd, ":"); idx > 0 {
		cmd = cmd[:idx]
	}
	if !strings.HasPrefix(cmd, "DANMU_MSG") {
		return liveComment{}, false
	}
	info := root.Get("info")
	if len(info.Array()) < 3 {
		return liveComment{}, false
	}
	content := strings.TrimSpace(info.Get("1").String())
	if content == "" {
		return liveComment{}, false
	}
	return liveComment{
		Content: content,
		UID:     info.Get("2.0").String(),
		Uname:   info.Get("2.1").String(),
	}, true
}

func pickStreamURL(hosts []bilibili.DanmuHost) (string, error) {
	for _, host := range hosts {
		name := strings.TrimSpace(host.Host)
		if name == "" {
			continue
		}
		port := host.WSSPort
		if port <= 0 {
			port = 443
		}
		return (&url.URL{
			Scheme: "wss",
			Host:   net.JoinHostPort(name, strconv.Itoa(port)),
			Path:   "/sub",
		}).String(), nil
	}
	return "", errors.New("empty danmaku ws host")
}
