// Package listing enumerates the items of a collection with their Tier-1
// metadata. A listing failure is fatal to ingestion, so providers report
// the two collection-level outcomes as sentinels.
package listing

import (
	"context"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/platform"
	"github.com/sells-group/transcript-engine/internal/resilience"
)

var (
	// ErrCollectionNotFound means the provider has no such channel or playlist.
	ErrCollectionNotFound = eris.New("listing: collection not found")
	// ErrUnreachable means the provider could not be reached after retries.
	ErrUnreachable = eris.New("listing: provider unreachable")
)

// Entry is one listed item.
type Entry struct {
	ID       string
	Metadata model.Metadata
}

// Listing is the enumerated content of a collection.
type Listing struct {
	Collection model.Collection
	Entries    []Entry
}

// Lister enumerates a collection.
type Lister interface {
	ListCollection(ctx context.Context, collectionID string) (*Listing, error)
}

// New returns the Lister selected by cfg.Provider.
func New(c *platform.Client, cfg config.ListingConfig) (Lister, error) {
	switch cfg.Provider {
	case "", "data_api":
		if cfg.APIKey == "" {
			return nil, eris.New("listing: data_api provider needs listing.api_key")
		}
		return NewDataAPI(c, cfg), nil
	case "feed":
		return NewFeed(c, cfg), nil
	default:
		return nil, eris.Errorf("listing: unknown provider %q", cfg.Provider)
	}
}

// uploadsPlaylist maps a channel id (UC...) to its uploads playlist (UU...).
// Playlist ids pass through unchanged.
func uploadsPlaylist(collectionID string) string {
	if strings.HasPrefix(collectionID, "UC") {
		return "UU" + collectionID[2:]
	}
	return collectionID
}

// get performs one GET through the platform client, retrying transient
// failures and mapping the collection-level outcomes onto the sentinels.
func get(ctx context.Context, c *platform.Client, retry resilience.RetryConfig, url, collectionID string) ([]byte, error) {
	body, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]byte, error) {
		resp, err := c.Do(ctx, platform.Request{Method: http.MethodGet, URL: url})
		if err != nil {
			return nil, err
		}
		switch {
		case resp.Status == http.StatusNotFound:
			return nil, eris.Wrapf(ErrCollectionNotFound, "collection %s", collectionID)
		case resp.Status >= 300:
			return nil, eris.Errorf("listing: unexpected status %d: %s", resp.Status, truncate(resp.Body, 200))
		}
		return resp.Body, nil
	})
	if err != nil && resilience.IsTransient(err) {
		return nil, eris.Wrapf(ErrUnreachable, "collection %s: %v", collectionID, err)
	}
	return body, err
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
