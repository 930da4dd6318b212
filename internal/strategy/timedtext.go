package strategy

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/caption"
	"github.com/sells-group/transcript-engine/internal/platform"
)

type trackList struct {
	Tracks []struct {
		LangCode string `xml:"lang_code,attr"`
		Kind     string `xml:"kind,attr"`
		Name     string `xml:"name,attr"`
	} `xml:"track"`
}

// TimedTextAPI uses the lightweight public caption API: list the tracks,
// then download the chosen one. No page or player call is made.
type TimedTextAPI struct {
	client *platform.Client
	opts   Options
}

// NewTimedTextAPI creates the public caption API adapter.
func NewTimedTextAPI(c *platform.Client, opts Options) *TimedTextAPI {
	return &TimedTextAPI{client: c, opts: opts.withDefaults()}
}

// Name implements Adapter.
func (a *TimedTextAPI) Name() string { return NameTimedTextAPI }

// Attempt implements Adapter.
func (a *TimedTextAPI) Attempt(ctx context.Context, itemID string) (*Result, error) {
	headers := map[string]string{
		"User-Agent": platform.RandomUserAgent(),
		"Accept":     "*/*",
	}

	q := url.Values{"type": {"list"}, "v": {itemID}}
	resp, f := call(ctx, a.client, a.Name(), platform.Request{
		Method:  http.MethodGet,
		URL:     a.opts.BaseURL + "/api/timedtext?" + q.Encode(),
		Headers: headers,
	})
	if f != nil {
		return nil, f
	}

	var list trackList
	if len(resp.Body) > 0 {
		if err := xml.Unmarshal(resp.Body, &list); err != nil {
			return nil, Fail(a.Name(), ReasonParse, eris.Wrap(err, "decode track list"))
		}
	}
	if len(list.Tracks) == 0 {
		return nil, Fail(a.Name(), ReasonNoCaptions, nil)
	}

	tracks := make([]caption.Track, 0, len(list.Tracks))
	for _, t := range list.Tracks {
		tq := url.Values{"v": {itemID}, "lang": {t.LangCode}}
		if t.Name != "" {
			tq.Set("name", t.Name)
		}
		if t.Kind != "" {
			tq.Set("kind", t.Kind)
		}
		tracks = append(tracks, caption.Track{
			BaseURL:      a.opts.BaseURL + "/api/timedtext?" + tq.Encode(),
			LanguageCode: t.LangCode,
			Kind:         t.Kind,
			Name:         t.Name,
		})
	}
	return fetchTrack(ctx, a.client, a.Name(), tracks, a.opts, headers, false)
}
