package media

import (
	"github.com/tidwall/gjson"
)

const (
	familyLiveRoom    = "live_room"
	familyLivePlayURL = "live_playurl"
)

// LiveInfo describes a live room.
type LiveInfo struct {
	Title    string `json:"title"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Cover    string `json:"cover"`
	IsLiving bool   `json:"isLiving"`
	RoomID   int64  `json:"roomId"`
}

// ParseLiveInfo reads the data payload of getInfoByRoom.
func ParseLiveInfo(data []byte) (LiveInfo, error) {
	doc, err := parseDocument(familyLiveRoom, data)
	if err != nil {
		return LiveInfo{}, err
	}
	root := doc.root
	title, err := doc.requiredString(root, "", "room_info.title")
	if err != nil {
		return LiveInfo{}, err
	}
	status, err := doc.required(root, "", "room_info.live_status")
	if err != nil {
		return LiveInfo{}, err
	}
	return LiveInfo{
		Title:    title,
		Name:     root.Get("anchor_info.base_info.uname").String(),
		Avatar:   httpsCover(root.Get("anchor_info.base_info.face").String()),
		Cover:    httpsCover(root.Get("room_info.cover").String()),
		IsLiving: status.String() == "1",
		RoomID:   root.Get("room_info.room_id").Int(),
	}, nil
}

type liveQuality struct {
	QN   int
	Desc string
}

type liveCodec struct {
	Name      string
	CurrentQN int
	AcceptQN  map[int]struct{}
	URLs      []string
	path      string
}

// LivePlayURL is the parsed multi-protocol live play URL document.
type LivePlayURL struct {
	Qualities []liveQuality
	Codecs    []liveCodec
}

// ParseLivePlayURL reads the data payload of getRoomPlayInfo.
func ParseLivePlayURL(data []byte) (*LivePlayURL, error) {
	doc, err := parseDocument(familyLivePlayURL, data)
	if err != nil {
		return nil, err
	}
	const base = "playurl_info.playurl"
	playurl, err := doc.required(doc.root, "", base)
	if err != nil {
		return nil, err
	}
	descs, err := doc.requiredArray(playurl, base, "g_qn_desc")
	if err != nil {
		return nil, err
	}
	out := &LivePlayURL{Qualities: make([]liveQuality, 0, len(descs))}
	for i, item := range descs {
		prefix := indexPath(joinPath(base, "g_qn_desc"), i)
		qn, err := doc.requiredInt(item, prefix, "qn")
		if err != nil {
			return nil, err
		}
		desc, err := doc.requiredString(item, prefix, "desc")
		if err != nil {
			return nil, err
		}
		out.Qualities = append(out.Qualities, liveQuality{QN: qn, Desc: desc})
	}

	streams, err := doc.requiredArray(playurl, base, "stream")
	if err != nil {
		return nil, err
	}
	for si, stream := range streams {
		streamPrefix := indexPath(joinPath(base, "stream"), si)
		formats, err := doc.requiredArray(stream, streamPrefix, "format")
		if err != nil {
			return nil, err
		}
		for fi, format := range formats {
			formatPrefix := indexPath(joinPath(streamPrefix, "format"), fi)
			codecs, err := doc.requiredArray(format, formatPrefix, "codec")
			if err != nil {
				return nil, err
			}
			for ci, codec := range codecs {
				parsed, err := doc.parseLiveCodec(codec, indexPath(joinPath(formatPrefix, "codec"), ci))
				if err != nil {
					return nil, err
				}
				out.Codecs = append(out.Codecs, parsed)
			}
		}
	}
	// Only the first codec is played, so only it needs a host.
	if len(out.Codecs) > 0 && len(out.Codecs[0].URLs) == 0 {
		return nil, doc.missing(indexPath(joinPath(out.Codecs[0].path, "url_info"), 0))
	}
	return out, nil
}

func (d document) parseLiveCodec(codec gjson.Result, prefix string) (liveCodec, error) {
	current, err := d.requiredInt(codec, prefix, "current_qn")
	if err != nil {
		return liveCodec{}, err
	}
	accept, err := d.requiredArray(codec, prefix, "accept_qn")
	if err != nil {
		return liveCodec{}, err
	}
	baseURL, err := d.requiredString(codec, prefix, "base_url")
	if err != nil {
		return liveCodec{}, err
	}
	infos, err := d.requiredArray(codec, prefix, "url_info")
	if err != nil {
		return liveCodec{}, err
	}
	parsed := liveCodec{
		path:      prefix,
		Name:      codec.Get("codec_name").String(),
		CurrentQN: current,
		AcceptQN:  make(map[int]struct{}, len(accept)),
		URLs:      make([]string, 0, len(infos)),
	}
	for _, qn := range accept {
		parsed.AcceptQN[int(qn.Int())] = struct{}{}
	}
	for i, info := range infos {
		infoPrefix := indexPath(joinPath(prefix, "url_info"), i)
		host, err := d.requiredString(info, infoPrefix, "host")
		if err != nil {
			return liveCodec{}, err
		}
		extra, err := d.requiredString(info, infoPrefix, "extra")
		if err != nil {
			return liveCodec{}, err
		}
		parsed.URLs = append(parsed.URLs, host+baseURL+extra)
	}
	return parsed, nil
}

// WriteTo merges the first declared codec into m. Accepted qualities other than the
// codec's current one are listed without a URL.
func (p *LivePlayURL) WriteTo(m *ResolvedMedia) {
	if len(p.Codecs) == 0 {
		return
	}
	codec := p.Codecs[0]
	for _, quality := range p.Qualities {
		if _, ok := codec.AcceptQN[quality.QN]; !ok {
			continue
		}
		m.Streams.Upsert(quality.Desc, func(entry *StreamEntry) {
			entry.Quality = quality.QN
			if quality.QN == codec.CurrentQN {
				entry.URL = codec.URLs[0]
				entry.Src = append([]string{}, codec.URLs[1:]...)
				return
			}
			entry.URL = ""
			entry.Src = nil
		})
	}
}
