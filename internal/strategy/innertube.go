package strategy

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/caption"
	"github.com/sells-group/transcript-engine/internal/platform"
	"github.com/sells-group/transcript-engine/internal/resilience"
)

const (
	webVersion     = "2.20250222.10.00"
	androidVersion = "20.10.38"
	embedVersion   = "1.20250219.01.00"
	androidUA      = "com.google.android.youtube/" + androidVersion + " (Linux; U; Android 11) gzip"

	playerPath        = "/youtubei/v1/player"
	nextPath          = "/youtubei/v1/next"
	getTranscriptPath = "/youtubei/v1/get_transcript"
)

// Options is the read-only configuration every adapter shares.
type Options struct {
	BaseURL   string   // platform origin, e.g. https://www.youtube.com
	Languages []string // caption language preference, most preferred first
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = "https://www.youtube.com"
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if len(o.Languages) == 0 {
		o.Languages = []string{"en"}
	}
	return o
}

func (o Options) hl() string {
	return strings.SplitN(o.Languages[0], "-", 2)[0]
}

type innertubeClient struct {
	ClientName        string `json:"clientName"`
	ClientVersion     string `json:"clientVersion"`
	AndroidSdkVersion int    `json:"androidSdkVersion,omitempty"`
	VisitorData       string `json:"visitorData,omitempty"`
	Hl                string `json:"hl,omitempty"`
	Gl                string `json:"gl,omitempty"`
}

type playerResponse struct {
	Captions *struct {
		PlayerCaptionsTracklistRenderer struct {
			CaptionTracks []caption.Track `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
	PlayabilityStatus *struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
}

// tracks classifies a player response into caption tracks or a failure.
func (p *playerResponse) tracks(name string) ([]caption.Track, *Failure) {
	if ps := p.PlayabilityStatus; ps != nil && ps.Status != "" && ps.Status != "OK" {
		reason := strings.ToLower(ps.Reason)
		switch {
		case strings.Contains(reason, "bot"), strings.Contains(reason, "sign in"):
			return nil, Fail(name, ReasonBlocked, eris.Errorf("playability %s: %s", ps.Status, ps.Reason))
		case ps.Status == "LOGIN_REQUIRED" && !strings.Contains(reason, "age"):
			return nil, Fail(name, ReasonBlocked, eris.Errorf("playability %s: %s", ps.Status, ps.Reason))
		default:
			return nil, Fail(name, ReasonUnplayable, eris.Errorf("playability %s: %s", ps.Status, ps.Reason))
		}
	}
	if p.Captions == nil || len(p.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks) == 0 {
		return nil, Fail(name, ReasonNoCaptions, nil)
	}
	return p.Captions.PlayerCaptionsTracklistRenderer.CaptionTracks, nil
}

// visitorData creates a random 11-char visitor ID for Innertube requests.
func visitorData() string {
	const chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	b := make([]byte, 11)
	for i := range b {
		b[i] = chars[rand.IntN(len(chars))]
	}
	return string(b)
}

// call performs one platform request and turns transport problems and
// block pages into failures. A nil failure means resp is a 2xx answer.
func call(ctx context.Context, c *platform.Client, name string, req platform.Request) (*platform.Response, *Failure) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		if resilience.StatusCode(err) == http.StatusTooManyRequests {
			return nil, Fail(name, ReasonBlocked, err)
		}
		return nil, Fail(name, ReasonTransient, err)
	}
	if block := platform.DetectBlock(resp.Status, resp.Body); block != platform.BlockNone {
		return nil, Fail(name, ReasonBlocked, eris.Errorf("%s page (http %d)", block, resp.Status))
	}
	switch {
	case resp.Status == http.StatusNotFound || resp.Status == http.StatusGone:
		return nil, Fail(name, ReasonUnplayable, eris.Errorf("http %d", resp.Status))
	case resp.Status == http.StatusForbidden || resp.Status == http.StatusUnauthorized:
		return nil, Fail(name, ReasonBlocked, eris.Errorf("http %d", resp.Status))
	case resp.Status >= 300:
		return nil, Fail(name, ReasonParse, eris.Errorf("unexpected http %d", resp.Status))
	}
	return resp, nil
}

// postInnertube POSTs a JSON payload to an Innertube endpoint.
func postInnertube(ctx context.Context, c *platform.Client, name, endpoint string, payload any, headers map[string]string) (*platform.Response, *Failure) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, Fail(name, ReasonParse, eris.Wrap(err, "encode payload"))
	}
	h := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "*/*",
	}
	for k, v := range headers {
		h[k] = v
	}
	return call(ctx, c, name, platform.Request{
		Method:  http.MethodPost,
		URL:     endpoint + "?prettyPrint=false",
		Headers: h,
		Body:    body,
	})
}

// fetchTrack picks the best track and downloads it under the adapter's own
// identity, asking for the structured json3 format first.
func fetchTrack(ctx context.Context, c *platform.Client, name string, tracks []caption.Track, opts Options, headers map[string]string, browser bool) (*Result, error) {
	track, ok := caption.PickTrack(tracks, opts.Languages)
	if !ok {
		return nil, Fail(name, ReasonPoToken, eris.New("every caption track requires a po token"))
	}

	var lastFail *Failure
	for _, format := range []string{"json3", "srv3"} {
		resp, f := call(ctx, c, name, platform.Request{
			Method:  http.MethodGet,
			URL:     caption.WithFormat(track.BaseURL, format),
			Headers: headers,
			Browser: browser,
		})
		if f != nil {
			return nil, f
		}
		if len(strings.TrimSpace(string(resp.Body))) == 0 {
			// The track endpoint answers 200 with an empty body when it
			// wants a proof-of-origin token.
			lastFail = Fail(name, ReasonPoToken, eris.New("empty caption body"))
			continue
		}
		tr, err := caption.Parse(resp.Body, track.LanguageCode)
		if err != nil {
			lastFail = Fail(name, ReasonParse, err)
			continue
		}
		return &Result{Transcript: *tr, Strategy: name, TrackKind: track.Kind}, nil
	}
	return nil, lastFail
}
