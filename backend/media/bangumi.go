package media

import (
	"github.com/tidwall/gjson"
)

const familyBangumi = "bangumi"

type BangumiEpisode struct {
	ID        int64  `json:"id"`
	AID       int64  `json:"aid"`
	BVID      string `json:"bvid"`
	CID       int64  `json:"cid"`
	Title     string `json:"title"`
	LongTitle string `json:"longTitle"`
	Cover     string `json:"cover"`
	Duration  int    `json:"duration"`
	Status    int    `json:"status"`
}

type BangumiSection struct {
	ID       int64            `json:"id"`
	Title    string           `json:"title"`
	Type     int              `json:"type"`
	Episodes []BangumiEpisode `json:"episodes"`
}

type BangumiMediaInfo struct {
	ID          int64  `json:"id"`
	SeasonID    int64  `json:"seasonId"`
	Title       string `json:"title"`
	Cover       string `json:"cover"`
	SquareCover string `json:"squareCover"`
}

// BangumiInfo is the season catalog document. It carries no playable streams.
type BangumiInfo struct {
	Title    string           `json:"title"`
	Media    BangumiMediaInfo `json:"mediaInfo"`
	Episodes []BangumiEpisode `json:"episodes"`
	Sections []BangumiSection `json:"sections"`
}

// ParseBangumiInfo reads the result payload of the pgc season view API.
func ParseBangumiInfo(data []byte) (*BangumiInfo, error) {
	doc, err := parseDocument(familyBangumi, data)
	if err != nil {
		return nil, err
	}
	root := doc.root
	title, err := doc.requiredString(root, "", "title")
	if err != nil {
		return nil, err
	}
	mediaID, err := doc.required(root, "", "media_id")
	if err != nil {
		return nil, err
	}
	episodes, err := doc.parseEpisodes(root, "", "episodes")
	if err != nil {
		return nil, err
	}
	info := &BangumiInfo{
		Title: title,
		Media: BangumiMediaInfo{
			ID:          mediaID.Int(),
			SeasonID:    root.Get("season_id").Int(),
			Title:       title,
			Cover:       httpsCover(root.Get("cover").String()),
			SquareCover: httpsCover(root.Get("square_cover").String()),
		},
		Episodes: episodes,
		Sections: []BangumiSection{},
	}
	if sections := root.Get("section"); sections.IsArray() {
		for i, item := range sections.Array() {
			prefix := indexPath("section", i)
			id, err := doc.required(item, prefix, "id")
			if err != nil {
				return nil, err
			}
			sectionEpisodes := []BangumiEpisode{}
			if item.Get("episodes").IsArray() {
				sectionEpisodes, err = doc.parseEpisodes(item, prefix, "episodes")
				if err != nil {
					return nil, err
				}
			}
			info.Sections = append(info.Sections, BangumiSection{
				ID:       id.Int(),
				Title:    item.Get("title").String(),
				Type:     int(item.Get("type").Int()),
				Episodes: sectionEpisodes,
			})
		}
	}
	return info, nil
}

func (d document) parseEpisodes(node gjson.Result, prefix string, path string) ([]BangumiEpisode, error) {
	items, err := d.requiredArray(node, prefix, path)
	if err != nil {
		return nil, err
	}
	out := make([]BangumiEpisode, 0, len(items))
	for i, item := range items {
		itemPrefix := indexPath(joinPath(prefix, path), i)
		id, err := d.required(item, itemPrefix, "id")
		if err != nil {
			return nil, err
		}
		cid, err := d.required(item, itemPrefix, "cid")
		if err != nil {
			return nil, err
		}
		out = append(out, BangumiEpisode{
			ID:        id.Int(),
			AID:       item.Get("aid").Int(),
			BVID:      item.Get("bvid").String(),
			CID:       cid.Int(),
			Title:     item.Get("title").String(),
			LongTitle: item.Get("long_title").String(),
			Cover:     httpsCover(item.Get("cover").String()),
			Duration:  int(item.Get("duration").Int() / 1000),
			Status:    int(item.Get("status").Int()),
		})
	}
	return out, nil
}

// EpisodeByID looks the episode up in the main list, then in every section.
func (b *BangumiInfo) EpisodeByID(id int64) (BangumiEpisode, bool) {
	for _, ep := range b.Episodes {
		if ep.ID == id {
			return ep, true
		}
	}
	for _, section := range b.Sections {
		for _, ep := range section.Episodes {
			if ep.ID == id {
				return ep, true
			}
		}
	}
	return BangumiEpisode{}, false
}

func (b *BangumiInfo) FirstEpisode() (BangumiEpisode, bool) {
	if len(b.Episodes) == 0 {
		return BangumiEpisode{}, false
	}
	return b.Episodes[0], true
}
