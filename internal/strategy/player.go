package strategy

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/platform"
)

// Adapter names.
const (
	NameAndroidPlayer   = "android_player"
	NameEmbedPlayer     = "embed_player"
	NameEngagementPanel = "engagement_panel"
	NameWatchPage       = "watch_page"
	NameTimedTextAPI    = "timedtext_api"
)

// AndroidPlayer asks the player endpoint as the mobile app. The same mobile
// user agent is used for the caption download.
type AndroidPlayer struct {
	client *platform.Client
	opts   Options
}

// NewAndroidPlayer creates the mobile-client adapter.
func NewAndroidPlayer(c *platform.Client, opts Options) *AndroidPlayer {
	return &AndroidPlayer{client: c, opts: opts.withDefaults()}
}

// Name implements Adapter.
func (a *AndroidPlayer) Name() string { return NameAndroidPlayer }

// Attempt implements Adapter.
func (a *AndroidPlayer) Attempt(ctx context.Context, itemID string) (*Result, error) {
	headers := map[string]string{
		"User-Agent":               androidUA,
		"X-Youtube-Client-Name":    "3",
		"X-Youtube-Client-Version": androidVersion,
	}
	payload := map[string]any{
		"videoId": itemID,
		"context": map[string]any{
			"client": innertubeClient{
				ClientName:        "ANDROID",
				ClientVersion:     androidVersion,
				AndroidSdkVersion: 30,
				Hl:                a.opts.hl(),
				Gl:                "US",
			},
		},
		"racyCheckOk":    true,
		"contentCheckOk": true,
	}
	return playerAttempt(ctx, a.client, a.Name(), a.opts, a.opts.BaseURL+playerPath, payload, headers)
}

// EmbedPlayer asks the player endpoint as an embedded player on a third
// party page, which the platform gates differently from its own pages.
type EmbedPlayer struct {
	client *platform.Client
	opts   Options
}

// NewEmbedPlayer creates the embedded-player adapter.
func NewEmbedPlayer(c *platform.Client, opts Options) *EmbedPlayer {
	return &EmbedPlayer{client: c, opts: opts.withDefaults()}
}

// Name implements Adapter.
func (a *EmbedPlayer) Name() string { return NameEmbedPlayer }

// Attempt implements Adapter.
func (a *EmbedPlayer) Attempt(ctx context.Context, itemID string) (*Result, error) {
	embedURL := a.opts.BaseURL + "/embed/" + itemID
	visitor := visitorData()
	headers := map[string]string{
		"User-Agent":               platform.RandomUserAgent(),
		"X-Youtube-Client-Name":    "56",
		"X-Youtube-Client-Version": embedVersion,
		"X-Goog-Visitor-Id":        visitor,
		"Origin":                   a.opts.BaseURL,
		"Referer":                  embedURL,
	}
	payload := map[string]any{
		"videoId": itemID,
		"context": map[string]any{
			"client": innertubeClient{
				ClientName:    "WEB_EMBEDDED_PLAYER",
				ClientVersion: embedVersion,
				VisitorData:   visitor,
				Hl:            a.opts.hl(),
				Gl:            "US",
			},
			"thirdParty": map[string]string{"embedUrl": embedURL},
		},
		"racyCheckOk":    true,
		"contentCheckOk": true,
	}
	return playerAttempt(ctx, a.client, a.Name(), a.opts, a.opts.BaseURL+playerPath, payload, headers)
}

func playerAttempt(ctx context.Context, c *platform.Client, name string, opts Options, endpoint string, payload any, headers map[string]string) (*Result, error) {
	resp, f := postInnertube(ctx, c, name, endpoint, payload, headers)
	if f != nil {
		return nil, f
	}

	var pr playerResponse
	if err := json.Unmarshal(resp.Body, &pr); err != nil {
		return nil, Fail(name, ReasonParse, eris.Wrap(err, "decode player response"))
	}
	tracks, f := pr.tracks(name)
	if f != nil {
		return nil, f
	}

	trackHeaders := map[string]string{"User-Agent": headers["User-Agent"]}
	if ref, ok := headers["Referer"]; ok {
		trackHeaders["Referer"] = ref
	}
	return fetchTrack(ctx, c, name, tracks, opts, trackHeaders, false)
}
