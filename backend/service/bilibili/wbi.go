package bilibili

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

var mixinKeyEncTable = []int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

const wbiKeyTTL = 6 * time.Hour

// DanmuHost is one message-stream server offered by getDanmuInfo.
type DanmuHost struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	WSSPort int    `json:"wss_port"`
	WSPort  int    `json:"ws_port"`
}

type DanmuInfo struct {
	Token string      `json:"token"`
	Hosts []DanmuHost `json:"host_list"`
}

// DanmuInfo fetches the message-stream token and host list of a live room. The
// query is WBI signed.
func (c *Client) DanmuInfo(ctx context.Context, roomID int64) (*DanmuInfo, error) {
	query := url.Values{}
	query.Set("id", strconv.FormatInt(roomID, 10))
	query.Set("type", "0")
	query.Set("web_location", "444.8")
	if err := c.signWBIQuery(ctx, query, time.Now()); err != nil {
		return nil, err
	}
	payload, err := c.requestJSON(ctx, SiteLive, c.liveBase+"/xlive/web-room/v1/index/getDanmuInfo", query, liveReferer+strconv.FormatInt(roomID, 10))
	if err != nil {
		return nil, err
	}
	info := &DanmuInfo{}
	if err := json.Unmarshal(payload, info); err != nil {
		return nil, err
	}
	if strings.TrimSpace(info.Token) == "" {
		return nil, errors.New("getDanmuInfo token is empty")
	}
	return info, nil
}

func (c *Client) signWBIQuery(ctx context.Context, query url.Values, now time.Time) error {
	imgKey, subKey, err := c.loadWBIKeys(ctx)
	if err != nil {
		return err
	}
	mixin := generateWBIMixinKey(imgKey, subKey)
	if mixin == "" {
		return errors.New("wbi mixin key is empty")
	}
	signQuery(query, mixin, now)
	return nil
}

func signQuery(query url.Values, mixin string, now time.Time) {
	query.Del("w_rid")
	query.Set("wts", strconv.FormatInt(now.Unix(), 10))

	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := sanitizeWBIValue(query.Get(key))
		parts = append(parts, encodeURIComponent(key)+"="+encodeURIComponent(value))
	}
	sum := md5.Sum([]byte(strings.Join(parts, "&") + mixin))
	query.Set("w_rid", hex.EncodeToString(sum[:]))
}

func (c *Client) loadWBIKeys(ctx context.Context) (string, string, error) {
	c.wbiMu.Lock()
	defer c.wbiMu.Unlock()

	if c.wbiImgKey != "" && c.wbiSubKey != "" && time.Now().Before(c.wbiExpires) {
		return c.wbiImgKey, c.wbiSubKey, nil
	}
	// nav answers code -101 for anonymous callers but still carries wbi_img.
	body, err := c.requestRaw(ctx, SiteLive, c.apiBase+"/x/web-interface/nav", nil, videoReferer)
	if err != nil {
		return "", "", err
	}
	var payload struct {
		Data struct {
			WBIImg struct {
				ImgURL string `json:"img_url"`
				SubURL string `json:"sub_url"`
			} `json:"wbi_img"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", err
	}
	imgKey := extractWBIKey(payload.Data.WBIImg.ImgURL)
	subKey := extractWBIKey(payload.Data.WBIImg.SubURL)
	if imgKey == "" || subKey == "" {
		return "", "", errors.New("nav response missing wbi keys")
	}
	c.wbiImgKey = imgKey
	c.wbiSubKey = subKey
	c.wbiExpires = time.Now().Add(wbiKeyTTL)
	return imgKey, subKey, nil
}

func generateWBIMixinKey(imgKey string, subKey string) string {
	raw := []rune(imgKey + subKey)
	if len(raw) < 64 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(64)
	for _, idx := range mixinKeyEncTable {
		builder.WriteRune(raw[idx])
	}
	result := builder.String()
	if len(result) > 32 {
		return result[:32]
	}
	return result
}

func extractWBIKey(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" || name == "" {
		return ""
	}
	if idx := strings.Index(name, "."); idx > 0 {
		return name[:idx]
	}
	return name
}

func sanitizeWBIValue(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '!', '\'', '(', ')', '*':
			return -1
		default:
			return r
		}
	}, value)
}

func encodeURIComponent(value string) string {
	return strings.ReplaceAll(url.QueryEscape(value), "+", "%20")
}
