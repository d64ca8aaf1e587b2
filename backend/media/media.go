package media

import (
	"bytes"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
)

// StreamEntry is one playable rendition of a resolved media item.
type StreamEntry struct {
	URL     string   `json:"url"`
	Src     []string `json:"src"`
	Quality int      `json:"quality"`
}

// Streams maps quality labels to entries and keeps insertion order.
// The zero value is ready to use.
type Streams struct {
	order []string
	items map[string]StreamEntry
}

func (s *Streams) Len() int {
	return len(s.order)
}

func (s *Streams) Get(label string) (StreamEntry, bool) {
	entry, ok := s.items[label]
	return entry, ok
}

// Labels returns the labels in insertion order.
func (s *Streams) Labels() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Upsert applies fn to the entry stored under label, creating an empty entry first
// when the label is new. Fields fn leaves untouched keep their previous values.
func (s *Streams) Upsert(label string, fn func(entry *StreamEntry)) {
	if s.items == nil {
		s.items = make(map[string]StreamEntry)
	}
	entry, ok := s.items[label]
	if !ok {
		s.order = append(s.order, label)
	}
	fn(&entry)
	s.items[label] = entry
}

// Ranked returns labels ordered by quality rank, highest first. Equal ranks keep
// insertion order.
func (s *Streams) Ranked() []string {
	labels := s.Labels()
	sort.SliceStable(labels, func(i, j int) bool {
		return s.items[labels[i]].Quality > s.items[labels[j]].Quality
	})
	return labels
}

func (s Streams) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, label := range s.Ranked() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(label)
		if err != nil {
			return nil, err
		}
		entry := s.items[label]
		if entry.Src == nil {
			entry.Src = []string{}
		}
		value, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ResolvedMedia is the canonical output of a resolution.
type ResolvedMedia struct {
	Title      string    `json:"title"`
	Site       string    `json:"site"`
	URL        string    `json:"url"`
	Duration   int       `json:"duration"`
	Audio      string    `json:"audio,omitempty"`
	Streams    Streams   `json:"streams"`
	DanmakuURL string    `json:"danmakuUrl,omitempty"`
	Live       *LiveInfo `json:"live,omitempty"`
}

// BestLabel returns the highest ranked label that carries a playable URL.
func (m *ResolvedMedia) BestLabel() (string, bool) {
	for _, label := range m.Streams.Ranked() {
		if entry, _ := m.Streams.Get(label); strings.TrimSpace(entry.URL) != "" {
			return label, true
		}
	}
	return "", false
}

// LaunchType selects the player launch URL variant.
type LaunchType string

const (
	LaunchNormal  LaunchType = "normal"
	LaunchDanmaku LaunchType = "danmaku"
	LaunchPlugin  LaunchType = "plugin"
)

func ParseLaunchType(raw string) LaunchType {
	switch LaunchType(strings.ToLower(strings.TrimSpace(raw))) {
	case LaunchDanmaku:
		return LaunchDanmaku
	case LaunchPlugin:
		return LaunchPlugin
	default:
		return LaunchNormal
	}
}

// LaunchURL builds the iina:// URL that opens the stream under label.
func (m *ResolvedMedia) LaunchURL(label string, launchType LaunchType) (string, bool) {
	entry, ok := m.Streams.Get(label)
	if !ok || strings.TrimSpace(entry.URL) == "" {
		return "", false
	}
	var b strings.Builder
	b.WriteString("iina://open?url=")
	b.WriteString(url.QueryEscape(entry.URL))
	if m.Audio != "" {
		b.WriteString("&mpv_audio-file=")
		b.WriteString(url.QueryEscape(m.Audio))
	}
	if m.Title != "" {
		b.WriteString("&mpv_force-media-title=")
		b.WriteString(url.QueryEscape(m.Title))
	}
	switch launchType {
	case LaunchDanmaku:
		if m.DanmakuURL != "" {
			b.WriteString("&mpv_script-opts=")
			b.WriteString(url.QueryEscape("iinaplus-danmaku=" + m.DanmakuURL))
		}
	case LaunchPlugin:
		b.WriteString("&mpv_script-opts=")
		b.WriteString(url.QueryEscape("iinaplus-plugin=1"))
	}
	return b.String(), true
}
