package listing

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/platform"
	"github.com/sells-group/transcript-engine/internal/resilience"
)

const (
	defaultDataAPIBase = "https://www.googleapis.com/youtube/v3"
	pageSize           = 50
)

// DataAPILister lists collections through the Data API v3.
type DataAPILister struct {
	client   *platform.Client
	apiKey   string
	baseURL  string
	maxItems int
	retry    resilience.RetryConfig
	now      func() time.Time
}

// NewDataAPI creates a DataAPILister.
func NewDataAPI(c *platform.Client, cfg config.ListingConfig) *DataAPILister {
	base := cfg.BaseURL
	if base == "" {
		base = defaultDataAPIBase
	}
	retry := resilience.WithAttempts(cfg.Retries)
	retry.OnRetry = resilience.RetryLogger("listing", "data_api")
	return &DataAPILister{
		client:   c,
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(base, "/"),
		maxItems: cfg.MaxItems,
		retry:    retry,
		now:      time.Now,
	}
}

type playlistsResponse struct {
	Items []struct {
		Snippet struct {
			Title        string `json:"title"`
			ChannelTitle string `json:"channelTitle"`
		} `json:"snippet"`
	} `json:"items"`
}

type playlistItemsResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		ContentDetails struct {
			VideoID string `json:"videoId"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type videosResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title        string    `json:"title"`
			Description  string    `json:"description"`
			ChannelTitle string    `json:"channelTitle"`
			PublishedAt  time.Time `json:"publishedAt"`
		} `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
		Statistics struct {
			ViewCount string `json:"viewCount"`
			LikeCount string `json:"likeCount"`
		} `json:"statistics"`
	} `json:"items"`
}

// ListCollection enumerates every item in the channel or playlist, up to
// the configured item cap. Deleted and private items are dropped.
func (l *DataAPILister) ListCollection(ctx context.Context, collectionID string) (*Listing, error) {
	playlistID := uploadsPlaylist(collectionID)

	var pl playlistsResponse
	if err := l.getJSON(ctx, "playlists", url.Values{"part": {"snippet"}, "id": {playlistID}}, collectionID, &pl); err != nil {
		return nil, err
	}
	if len(pl.Items) == 0 {
		return nil, eris.Wrapf(ErrCollectionNotFound, "collection %s", collectionID)
	}
	title := pl.Items[0].Snippet.Title
	if strings.HasPrefix(collectionID, "UC") && pl.Items[0].Snippet.ChannelTitle != "" {
		title = pl.Items[0].Snippet.ChannelTitle
	}

	ids, err := l.videoIDs(ctx, playlistID, collectionID)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	fetched := l.now().UTC()
	for start := 0; start < len(ids); start += pageSize {
		end := min(start+pageSize, len(ids))
		var vr videosResponse
		params := url.Values{
			"part": {"snippet,contentDetails,statistics"},
			"id":   {strings.Join(ids[start:end], ",")},
		}
		if err := l.getJSON(ctx, "videos", params, collectionID, &vr); err != nil {
			return nil, err
		}
		for _, v := range vr.Items {
			dur, err := ParseISODuration(v.ContentDetails.Duration)
			if err != nil {
				zap.L().Debug("listing: unparsable duration",
					zap.String("item", v.ID), zap.String("duration", v.ContentDetails.Duration))
			}
			entries = append(entries, Entry{
				ID: v.ID,
				Metadata: model.Metadata{
					Title:           v.Snippet.Title,
					Description:     v.Snippet.Description,
					ChannelTitle:    v.Snippet.ChannelTitle,
					DurationSeconds: dur,
					ViewCount:       parseCount(v.Statistics.ViewCount),
					LikeCount:       parseCount(v.Statistics.LikeCount),
					PublishedAt:     v.Snippet.PublishedAt,
					FetchedAt:       fetched,
				},
			})
		}
	}

	zap.L().Info("listing: collection enumerated",
		zap.String("collection", collectionID),
		zap.Int("listed", len(ids)),
		zap.Int("items", len(entries)),
	)
	return &Listing{
		Collection: model.Collection{ID: collectionID, Title: title, ItemCount: len(entries)},
		Entries:    entries,
	}, nil
}

func (l *DataAPILister) videoIDs(ctx context.Context, playlistID, collectionID string) ([]string, error) {
	var (
		ids   []string
		token string
	)
	for {
		params := url.Values{
			"part":       {"contentDetails"},
			"playlistId": {playlistID},
			"maxResults": {strconv.Itoa(pageSize)},
		}
		if token != "" {
			params.Set("pageToken", token)
		}
		var page playlistItemsResponse
		if err := l.getJSON(ctx, "playlistItems", params, collectionID, &page); err != nil {
			return nil, err
		}
		for _, it := range page.Items {
			if it.ContentDetails.VideoID == "" {
				continue
			}
			ids = append(ids, it.ContentDetails.VideoID)
			if l.maxItems > 0 && len(ids) >= l.maxItems {
				return ids, nil
			}
		}
		if page.NextPageToken == "" {
			return ids, nil
		}
		token = page.NextPageToken
	}
}

func (l *DataAPILister) getJSON(ctx context.Context, resource string, params url.Values, collectionID string, out any) error {
	params.Set("key", l.apiKey)
	body, err := get(ctx, l.client, l.retry, l.baseURL+"/"+resource+"?"+params.Encode(), collectionID)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrapf(err, "listing: decode %s", resource)
	}
	return nil
}

var isoDurationRe = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseISODuration converts an ISO-8601 duration such as PT1H2M3S to
// seconds. Live streams report P0D, which is zero.
func ParseISODuration(s string) (int, error) {
	m := isoDurationRe.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, eris.Errorf("listing: invalid duration %q", s)
	}
	units := []int{86400, 3600, 60, 1}
	total := 0
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, eris.Wrapf(err, "listing: duration %q", s)
		}
		total += n * unit
	}
	return total, nil
}

// parseCount reads a counter the API encodes as a string. Hidden counters
// are absent and read as zero.
func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
