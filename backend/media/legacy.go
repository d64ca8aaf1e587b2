package media

const familyLegacy = "legacy"

// LegacyPlayInfo is the parsed flat (durl) manifest.
type LegacyPlayInfo struct {
	Duration     int
	Quality      int
	Descriptions []qualityDescription
	URL          string
	BackupURLs   []string
}

// ParseLegacyPlayInfo reads the data (or result) payload of a playurl response
// that carries durl instead of dash.
func ParseLegacyPlayInfo(data []byte) (*LegacyPlayInfo, error) {
	doc, err := parseDocument(familyLegacy, data)
	if err != nil {
		return nil, err
	}
	root := doc.root
	pairs, _, err := doc.qualityDescriptions(root, "")
	if err != nil {
		return nil, err
	}
	quality, err := doc.requiredInt(root, "", "quality")
	if err != nil {
		return nil, err
	}
	timelength, err := doc.requiredInt(root, "", "timelength")
	if err != nil {
		return nil, err
	}
	durl, err := doc.requiredArray(root, "", "durl")
	if err != nil {
		return nil, err
	}
	info := &LegacyPlayInfo{
		Duration:     timelength / 1000,
		Quality:      quality,
		Descriptions: pairs,
	}
	if len(durl) > 0 {
		first, err := doc.requiredString(durl[0], "durl.0", "url")
		if err != nil {
			return nil, err
		}
		info.URL = first
		info.BackupURLs = optionalStrings(durl[0], "backup_url")
	}
	return info, nil
}

// WriteTo merges the manifest into m. On an empty accumulator only qualities up to the
// selected one are listed, higher ones are assumed locked. The URL is written only under
// the selected quality; URLs already present for other labels are kept.
func (p *LegacyPlayInfo) WriteTo(m *ResolvedMedia) {
	m.Duration = p.Duration
	restrict := m.Streams.Len() == 0
	for _, pair := range p.Descriptions {
		if restrict && pair.ID > p.Quality {
			continue
		}
		m.Streams.Upsert(pair.Description, func(entry *StreamEntry) {
			if pair.ID == p.Quality && p.URL != "" {
				entry.URL = p.URL
				entry.Src = append([]string{}, p.BackupURLs...)
			}
			entry.Quality = pair.ID
		})
	}
}
