package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/platform"
)

const playerResponseMarker = "ytInitialPlayerResponse = "

// WatchPage scrapes the rendered watch page, the way a desktop browser sees
// it, and reads caption tracks from the embedded player response. Requests
// go through the browser-fingerprinted transport when one is configured.
type WatchPage struct {
	client *platform.Client
	opts   Options
}

// NewWatchPage creates the rendered-page adapter.
func NewWatchPage(c *platform.Client, opts Options) *WatchPage {
	return &WatchPage{client: c, opts: opts.withDefaults()}
}

// Name implements Adapter.
func (a *WatchPage) Name() string { return NameWatchPage }

// Attempt implements Adapter.
func (a *WatchPage) Attempt(ctx context.Context, itemID string) (*Result, error) {
	headers := platform.ChromeHeaders()
	headers["accept"] = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

	resp, f := call(ctx, a.client, a.Name(), platform.Request{
		Method:  http.MethodGet,
		URL:     a.opts.BaseURL + "/watch?v=" + itemID + "&hl=" + a.opts.hl(),
		Headers: headers,
		Browser: true,
	})
	if f != nil {
		return nil, f
	}

	raw, err := playerResponseFromPage(resp.Body)
	if err != nil {
		return nil, Fail(a.Name(), ReasonParse, err)
	}
	var pr playerResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, Fail(a.Name(), ReasonParse, eris.Wrap(err, "decode ytInitialPlayerResponse"))
	}
	tracks, f := pr.tracks(a.Name())
	if f != nil {
		return nil, f
	}

	trackHeaders := map[string]string{
		"user-agent":      headers["user-agent"],
		"accept-language": headers["accept-language"],
		"referer":         a.opts.BaseURL + "/watch?v=" + itemID,
	}
	return fetchTrack(ctx, a.client, a.Name(), tracks, a.opts, trackHeaders, true)
}

// playerResponseFromPage finds the script assigning ytInitialPlayerResponse
// and cuts the JSON object out of it.
func playerResponseFromPage(page []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, eris.Wrap(err, "parse watch page")
	}

	var found []byte
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		idx := strings.Index(text, playerResponseMarker)
		if idx < 0 {
			return true
		}
		found = extractJSON([]byte(text[idx+len(playerResponseMarker):]))
		return found == nil
	})
	if found == nil {
		return nil, eris.New("ytInitialPlayerResponse not found in watch page")
	}
	return found, nil
}

// extractJSON returns the balanced JSON object at the start of b.
func extractJSON(b []byte) []byte {
	b = bytes.TrimLeft(b, " \t\r\n")
	if len(b) == 0 || b[0] != '{' {
		return nil
	}
	depth := 0
	inStr, escaped := false, false
	for i, c := range b {
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return b[:i+1]
			}
		}
	}
	return nil
}
