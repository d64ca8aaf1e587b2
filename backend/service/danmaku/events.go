package danmaku

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"iinaplus/bridge/backend/config"
)

// Method names the overlay action carried by an Event.
type Method string

const (
	MethodStart        Method = "start"
	MethodStop         Method = "stop"
	MethodInitDM       Method = "initDM"
	MethodResize       Method = "resize"
	MethodCustomFont   Method = "customFont"
	MethodLoadDM       Method = "loadDM"
	MethodSendDM       Method = "sendDM"
	MethodLiveDMServer Method = "liveDMServer"
	MethodDMSpeed      Method = "dmSpeed"
	MethodDMOpacity    Method = "dmOpacity"
	MethodDMFontSize   Method = "dmFontSize"
	MethodDMBlockList  Method = "dmBlockList"
)

// Event is the text frame sent to overlay sessions.
type Event struct {
	Method Method `json:"method"`
	Text   string `json:"text"`
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

// Preferences is the snapshot of overlay styling taken when a session is matched or
// when configuration changes.
type Preferences struct {
	OverlayMode string
	FontFamily  string
	FontWeight  string
	FontSize    int
	Speed       float64
	Opacity     float64
	BlockTypes  []string
	BlockList   bool
}

func PreferencesFromConfig(cfg config.Config) Preferences {
	return Preferences{
		OverlayMode: cfg.OverlayMode,
		FontFamily:  cfg.FontFamily,
		FontWeight:  cfg.FontWeight,
		FontSize:    cfg.FontSize,
		Speed:       cfg.DanmakuSpeed,
		Opacity:     cfg.DanmakuOpacity,
		BlockTypes:  append([]string(nil), cfg.DanmakuBlockTypes...),
		BlockList:   cfg.BlockListEnabled(),
	}
}

const customFontStyle = "letter-spacing: 0;line-height: 100%;margin: 0;padding: 3px 0 0 0;position: absolute;" +
	"text-decoration: none;text-shadow: -1px 0 black, 0 1px black, 1px 0 black, 0 -1px black;" +
	"-webkit-text-size-adjust: none;-ms-text-size-adjust: none;text-size-adjust: none;" +
	"-webkit-transform: matrix3d(1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1);" +
	"transform: matrix3d(1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1);" +
	"-webkit-transform-origin: 0% 0%;-ms-transform-origin: 0% 0%;transform-origin: 0% 0%;" +
	"white-space: pre;word-break: keep-all;}"

// CustomFontCSS renders the .customFont rule the overlay injects.
func (p Preferences) CustomFontCSS() string {
	var b strings.Builder
	b.WriteString(".customFont {")
	b.WriteString("color: #fff;")
	fmt.Fprintf(&b, "font-family: '%s %s', SimHei, SimSun, Heiti, 'MS Mincho', 'Meiryo', 'Microsoft YaHei', monospace;", p.FontFamily, p.FontWeight)
	fmt.Fprintf(&b, "font-size: %dpx;", p.FontSize)
	b.WriteString(customFontStyle)
	return b.String()
}

// BlockListText joins the enabled block types, adding "List" when a custom list is configured.
func (p Preferences) BlockListText() string {
	types := make([]string, 0, len(p.BlockTypes)+1)
	for _, item := range p.BlockTypes {
		if item = strings.TrimSpace(item); item != "" {
			types = append(types, item)
		}
	}
	if p.BlockList {
		types = append(types, "List")
	}
	return strings.Join(types, ", ")
}

func (p Preferences) speedText() string {
	return strconv.Itoa(int(p.Speed))
}

func (p Preferences) opacityText() string {
	return strconv.FormatFloat(p.Opacity, 'f', -1, 64)
}

// matchEvents is what a freshly matched session receives before its feed starts.
func (p Preferences) matchEvents(bilibiliFamily bool) []Event {
	events := make([]Event, 0, 4)
	if bilibiliFamily {
		events = append(events, Event{Method: MethodDMBlockList, Text: p.BlockListText()})
	}
	return append(events,
		Event{Method: MethodCustomFont, Text: p.CustomFontCSS()},
		Event{Method: MethodDMSpeed, Text: p.speedText()},
		Event{Method: MethodDMOpacity, Text: p.opacityText()},
	)
}

// changedEvents lists the style events whose values differ between p and next.
func (p Preferences) changedEvents(next Preferences) []Event {
	var events []Event
	if p.FontFamily != next.FontFamily || p.FontWeight != next.FontWeight || p.FontSize != next.FontSize {
		events = append(events, Event{Method: MethodCustomFont, Text: next.CustomFontCSS()})
	}
	if p.FontSize != next.FontSize {
		events = append(events, Event{Method: MethodDMFontSize, Text: strconv.Itoa(next.FontSize)})
	}
	if p.speedText() != next.speedText() {
		events = append(events, Event{Method: MethodDMSpeed, Text: next.speedText()})
	}
	if p.opacityText() != next.opacityText() {
		events = append(events, Event{Method: MethodDMOpacity, Text: next.opacityText()})
	}
	return events
}
