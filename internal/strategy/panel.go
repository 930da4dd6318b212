package strategy

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/caption"
	"github.com/sells-group/transcript-engine/internal/platform"
)

var transcriptTokenRe = regexp.MustCompile(`"getTranscriptEndpoint":\{"params":"([^"]+)"`)

type getTranscriptResponse struct {
	Actions []struct {
		UpdateEngagementPanelAction *struct {
			Content struct {
				TranscriptRenderer struct {
					Content struct {
						TranscriptSearchPanelRenderer struct {
							Body struct {
								TranscriptSegmentListRenderer struct {
									InitialSegments []struct {
										TranscriptSegmentRenderer *struct {
											StartMs string `json:"startMs"`
											EndMs   string `json:"endMs"`
											Snippet struct {
												Runs []struct {
													Text string `json:"text"`
												} `json:"runs"`
											} `json:"snippet"`
										} `json:"transcriptSegmentRenderer"`
									} `json:"initialSegments"`
								} `json:"transcriptSegmentListRenderer"`
							} `json:"body"`
						} `json:"transcriptSearchPanelRenderer"`
					} `json:"content"`
				} `json:"transcriptRenderer"`
			} `json:"content"`
		} `json:"updateEngagementPanelAction"`
	} `json:"actions"`
}

func (r *getTranscriptResponse) segments() []caption.PanelSegment {
	var out []caption.PanelSegment
	for _, action := range r.Actions {
		if action.UpdateEngagementPanelAction == nil {
			continue
		}
		segs := action.UpdateEngagementPanelAction.Content.
			TranscriptRenderer.Content.
			TranscriptSearchPanelRenderer.Body.
			TranscriptSegmentListRenderer.InitialSegments
		for _, seg := range segs {
			sr := seg.TranscriptSegmentRenderer
			if sr == nil {
				continue
			}
			var sb strings.Builder
			for _, run := range sr.Snippet.Runs {
				sb.WriteString(run.Text)
			}
			start, _ := strconv.ParseInt(sr.StartMs, 10, 64)
			end, _ := strconv.ParseInt(sr.EndMs, 10, 64)
			out = append(out, caption.PanelSegment{StartMs: start, EndMs: end, Text: sb.String()})
		}
	}
	return out
}

// EngagementPanel reads the transcript panel the desktop site shows next to
// a video: /next yields a continuation token, /get_transcript the segments.
// It works from addresses where the player endpoint demands a sign-in.
type EngagementPanel struct {
	client *platform.Client
	opts   Options
}

// NewEngagementPanel creates the transcript-panel adapter.
func NewEngagementPanel(c *platform.Client, opts Options) *EngagementPanel {
	return &EngagementPanel{client: c, opts: opts.withDefaults()}
}

// Name implements Adapter.
func (a *EngagementPanel) Name() string { return NameEngagementPanel }

// Attempt implements Adapter.
func (a *EngagementPanel) Attempt(ctx context.Context, itemID string) (*Result, error) {
	visitor := visitorData()
	headers := map[string]string{
		"User-Agent":               platform.RandomUserAgent(),
		"X-Youtube-Client-Name":    "1",
		"X-Youtube-Client-Version": webVersion,
		"X-Goog-Visitor-Id":        visitor,
		"Origin":                   a.opts.BaseURL,
		"Referer":                  a.opts.BaseURL + "/",
	}
	clientCtx := map[string]any{
		"client": innertubeClient{
			ClientName:    "WEB",
			ClientVersion: webVersion,
			VisitorData:   visitor,
			Hl:            a.opts.hl(),
			Gl:            "US",
		},
		"user":    map[string]bool{"enableSafetyMode": false},
		"request": map[string]bool{"useSsl": true},
	}

	next, f := postInnertube(ctx, a.client, a.Name(), a.opts.BaseURL+nextPath, map[string]any{
		"videoId": itemID,
		"context": clientCtx,
	}, headers)
	if f != nil {
		return nil, f
	}

	m := transcriptTokenRe.FindSubmatch(next.Body)
	if len(m) < 2 {
		return nil, Fail(a.Name(), ReasonNoCaptions, eris.New("no transcript panel"))
	}
	// The token is URL-encoded in /next but expected raw by /get_transcript.
	token, err := url.QueryUnescape(string(m[1]))
	if err != nil {
		token = string(m[1])
	}

	tr, f := postInnertube(ctx, a.client, a.Name(), a.opts.BaseURL+getTranscriptPath, map[string]any{
		"params":  token,
		"context": clientCtx,
	}, headers)
	if f != nil {
		return nil, f
	}

	var resp getTranscriptResponse
	if err := json.Unmarshal(tr.Body, &resp); err != nil {
		return nil, Fail(a.Name(), ReasonParse, eris.Wrap(err, "decode transcript panel"))
	}
	transcript, err := caption.FromPanel(resp.segments(), a.opts.Languages[0])
	if err != nil {
		return nil, Fail(a.Name(), ReasonNoCaptions, err)
	}
	return &Result{Transcript: *transcript, Strategy: a.Name()}, nil
}
