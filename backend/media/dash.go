package media

import (
	"strconv"
)

const familyDash = "dash"

type dashVideo struct {
	Index       int
	ID          int
	Bandwidth   int64
	URL         string
	BackupURLs  []string
	Description string
}

type dashAudio struct {
	URL        string
	Bandwidth  int64
	BackupURLs []string
}

// DashPlayInfo is the parsed on-demand DASH manifest.
type DashPlayInfo struct {
	Duration int
	Videos   []dashVideo
	Audios   []dashAudio
}

// ParseDashPlayInfo reads the data (or result) payload of a playurl response
// requested with DASH output.
func ParseDashPlayInfo(data []byte) (*DashPlayInfo, error) {
	doc, err := parseDocument(familyDash, data)
	if err != nil {
		return nil, err
	}
	root := doc.root
	_, lookup, err := doc.qualityDescriptions(root, "")
	if err != nil {
		return nil, err
	}
	duration, err := doc.requiredInt(root, "", "dash.duration")
	if err != nil {
		return nil, err
	}
	videos, err := doc.requiredArray(root, "", "dash.video")
	if err != nil {
		return nil, err
	}

	info := &DashPlayInfo{Duration: duration, Videos: make([]dashVideo, 0, len(videos))}
	seen := make(map[int]struct{}, len(videos))
	for i, item := range videos {
		prefix := indexPath("dash.video", i)
		videoURL, err := doc.requiredString(item, prefix, "baseUrl")
		if err != nil {
			return nil, err
		}
		id, err := doc.requiredInt(item, prefix, "id")
		if err != nil {
			return nil, err
		}
		bandwidth, err := doc.required(item, prefix, "bandwidth")
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		desc, ok := lookup[id]
		if !ok {
			desc = strconv.Itoa(id)
		}
		info.Videos = append(info.Videos, dashVideo{
			Index:       i,
			ID:          id,
			Bandwidth:   bandwidth.Int(),
			URL:         videoURL,
			BackupURLs:  optionalStrings(item, "backupUrl"),
			Description: desc,
		})
	}

	if audios := root.Get("dash.audio"); audios.IsArray() {
		for i, item := range audios.Array() {
			prefix := indexPath("dash.audio", i)
			audioURL, err := doc.requiredString(item, prefix, "baseUrl")
			if err != nil {
				return nil, err
			}
			bandwidth, err := doc.required(item, prefix, "bandwidth")
			if err != nil {
				return nil, err
			}
			info.Audios = append(info.Audios, dashAudio{
				URL:        audioURL,
				Bandwidth:  bandwidth.Int(),
				BackupURLs: optionalStrings(item, "backupUrl"),
			})
		}
	}
	return info, nil
}

// BestAudio returns the audio rendition with the highest bandwidth. Ties keep the
// first declared rendition.
func (p *DashPlayInfo) BestAudio() (dashAudio, bool) {
	if len(p.Audios) == 0 {
		return dashAudio{}, false
	}
	best := p.Audios[0]
	for _, audio := range p.Audios[1:] {
		if audio.Bandwidth > best.Bandwidth {
			best = audio
		}
	}
	return best, true
}

// WriteTo merges the renditions into m. Earlier renditions rank higher: the source
// lists them in preference order, which is not the bandwidth order.
func (p *DashPlayInfo) WriteTo(m *ResolvedMedia) {
	m.Duration = p.Duration
	for _, video := range p.Videos {
		m.Streams.Upsert(video.Description, func(entry *StreamEntry) {
			entry.URL = video.URL
			entry.Src = append([]string{}, video.BackupURLs...)
			entry.Quality = 999 - video.Index
		})
	}
	if audio, ok := p.BestAudio(); ok {
		m.Audio = audio.URL
	}
}
