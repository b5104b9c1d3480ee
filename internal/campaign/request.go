package campaign

import (
	"strings"

	"vidcast/internal/campaign/batch"
	"vidcast/internal/campaign/dispatch"
)

// Request is a campaign submission. Either VideoURLs or VideoURL may be set;
// Captions pairs with videos by index, and a lone Caption applies to all.
type Request struct {
	VideoURL  string   `json:"videoUrl,omitempty"`
	VideoURLs []string `json:"videoUrls,omitempty"`
	Caption   string   `json:"caption,omitempty"`
	Captions  []string `json:"captions,omitempty"`
	Country   string   `json:"country,omitempty"`
	Language  string   `json:"language,omitempty"`
}

// Videos returns the normalised video list. Blank locators are dropped.
func (r Request) Videos() []dispatch.Video {
	var locs []string
	if len(r.VideoURLs) > 0 {
		locs = r.VideoURLs
	} else if strings.TrimSpace(r.VideoURL) != "" {
		locs = []string{r.VideoURL}
	}

	out := make([]dispatch.Video, 0, len(locs))
	for i, l := range locs {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		v := dispatch.Video{Locator: l}
		switch {
		case r.Captions != nil:
			if i < len(r.Captions) {
				v.Caption = r.Captions[i]
			}
		default:
			v.Caption = r.Caption
		}
		out = append(out, v)
	}
	return out
}

// Part is one video of a multi-part submission.
type Part struct {
	Request
	BatchID      string `json:"batchId"`
	VideoIndex   int    `json:"videoIndex,omitempty"`
	TotalInBatch int    `json:"totalInBatch"`
	IsLast       bool   `json:"isLastVideoInBatch,omitempty"`
}

func (p Part) batchPart() batch.Part {
	bp := batch.Part{
		BatchID:  strings.TrimSpace(p.BatchID),
		Expected: p.TotalInBatch,
		IsLast:   p.IsLast,
		Country:  p.Country,
		Language: p.Language,
	}
	if vs := p.Videos(); len(vs) > 0 {
		bp.Video = batch.Video{Locator: vs[0].Locator, Caption: vs[0].Caption}
	}
	return bp
}

type Ack struct {
	RequestID string `json:"request_id"`
	StatusURL string `json:"status_url"`
}

// PartAck answers SubmitPart. Ack is set once the batch completed and the
// campaign was submitted.
type PartAck struct {
	BatchID   string `json:"batch_id"`
	Collected int    `json:"collected"`
	Total     int    `json:"total"`
	Pending   int    `json:"pending"`
	Ack       *Ack   `json:"ack,omitempty"`
}
