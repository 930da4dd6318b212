package listing

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/platform"
	"github.com/sells-group/transcript-engine/internal/resilience"
)

const defaultFeedBase = "https://www.youtube.com/feeds/videos.xml"

// FeedLister is the keyless fallback: it reads the platform's Atom feed for
// a channel or playlist. Feeds carry only the most recent entries and no
// durations, so DurationSeconds is left at zero.
type FeedLister struct {
	client  *platform.Client
	baseURL string
	parser  *gofeed.Parser
	retry   resilience.RetryConfig
	now     func() time.Time
}

// NewFeed creates a FeedLister.
func NewFeed(c *platform.Client, cfg config.ListingConfig) *FeedLister {
	base := cfg.FeedBaseURL
	if base == "" {
		base = defaultFeedBase
	}
	retry := resilience.WithAttempts(cfg.Retries)
	retry.OnRetry = resilience.RetryLogger("listing", "feed")
	return &FeedLister{
		client:  c,
		baseURL: base,
		parser:  gofeed.NewParser(),
		retry:   retry,
		now:     time.Now,
	}
}

// ListCollection reads the feed for collectionID.
func (l *FeedLister) ListCollection(ctx context.Context, collectionID string) (*Listing, error) {
	params := url.Values{}
	if strings.HasPrefix(collectionID, "UC") {
		params.Set("channel_id", collectionID)
	} else {
		params.Set("playlist_id", collectionID)
	}

	body, err := get(ctx, l.client, l.retry, l.baseURL+"?"+params.Encode(), collectionID)
	if err != nil {
		return nil, err
	}
	feed, err := l.parser.ParseString(string(body))
	if err != nil {
		return nil, eris.Wrapf(err, "listing: parse feed for %s", collectionID)
	}

	fetched := l.now().UTC()
	entries := make([]Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		id := videoID(item)
		if id == "" {
			continue
		}
		meta := model.Metadata{
			Title:       item.Title,
			Description: mediaDescription(item),
			ViewCount:   mediaViews(item),
			FetchedAt:   fetched,
		}
		if item.PublishedParsed != nil {
			meta.PublishedAt = item.PublishedParsed.UTC()
		}
		if len(item.Authors) > 0 && item.Authors[0] != nil {
			meta.ChannelTitle = item.Authors[0].Name
		}
		entries = append(entries, Entry{ID: id, Metadata: meta})
	}

	zap.L().Info("listing: feed read",
		zap.String("collection", collectionID),
		zap.Int("items", len(entries)),
	)
	return &Listing{
		Collection: model.Collection{ID: collectionID, Title: feed.Title, ItemCount: len(entries)},
		Entries:    entries,
	}, nil
}

func videoID(item *gofeed.Item) string {
	if v := extValue(item.Extensions, "yt", "videoId"); v != "" {
		return v
	}
	// yt:video:<id>
	if i := strings.LastIndex(item.GUID, ":"); i >= 0 && strings.HasPrefix(item.GUID, "yt:video:") {
		return item.GUID[i+1:]
	}
	return ""
}

func extValue(exts ext.Extensions, ns, name string) string {
	if exts == nil {
		return ""
	}
	vals := exts[ns][name]
	if len(vals) == 0 {
		return ""
	}
	return vals[0].Value
}

func mediaGroup(item *gofeed.Item) *ext.Extension {
	if item.Extensions == nil {
		return nil
	}
	groups := item.Extensions["media"]["group"]
	if len(groups) == 0 {
		return nil
	}
	return &groups[0]
}

func child(e *ext.Extension, name string) *ext.Extension {
	if e == nil {
		return nil
	}
	c := e.Children[name]
	if len(c) == 0 {
		return nil
	}
	return &c[0]
}

func mediaDescription(item *gofeed.Item) string {
	if d := child(mediaGroup(item), "description"); d != nil {
		return d.Value
	}
	return item.Description
}

func mediaViews(item *gofeed.Item) int64 {
	stats := child(child(mediaGroup(item), "community"), "statistics")
	if stats == nil {
		return 0
	}
	n, err := strconv.ParseInt(stats.Attrs["views"], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
