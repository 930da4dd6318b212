package listing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/transcript-engine/internal/config"
	"github.com/sells-group/transcript-engine/internal/platform"
)

func testClient() *platform.Client {
	return platform.NewClient(platform.WithRate(1000))
}

func TestParseISODuration(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"PT1H2M3S", 3723, false},
		{"PT15M", 900, false},
		{"PT45S", 45, false},
		{"P1DT1S", 86401, false},
		{"P0D", 0, false},
		{"", 0, true},
		{"P", 0, true},
		{"PT", 0, true},
		{"1:02:03", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseISODuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUploadsPlaylist(t *testing.T) {
	assert.Equal(t, "UUabc123", uploadsPlaylist("UCabc123"))
	assert.Equal(t, "PLxyz", uploadsPlaylist("PLxyz"))
}

func TestDataAPI_ListCollection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /playlists", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "UUchan", r.URL.Query().Get("id"))
		assert.Equal(t, "k", r.URL.Query().Get("key"))
		_, _ = w.Write([]byte(`{"items":[{"snippet":{"title":"Uploads from Chan","channelTitle":"Chan"}}]}`))
	})
	mux.HandleFunc("GET /playlistItems", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "50", r.URL.Query().Get("maxResults"))
		if r.URL.Query().Get("pageToken") == "" {
			_, _ = w.Write([]byte(`{"nextPageToken":"p2","items":[
				{"contentDetails":{"videoId":"v1"}},
				{"contentDetails":{"videoId":"v2"}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"contentDetails":{"videoId":"v3"}}]}`))
	})
	mux.HandleFunc("GET /videos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "v1,v2,v3", r.URL.Query().Get("id"))
		// v3 is private and missing from the details.
		_, _ = w.Write([]byte(`{"items":[
			{"id":"v1","snippet":{"title":"One","channelTitle":"Chan","publishedAt":"2025-01-02T03:04:05Z"},
			 "contentDetails":{"duration":"PT10M"},"statistics":{"viewCount":"1200","likeCount":"30"}},
			{"id":"v2","snippet":{"title":"Two","publishedAt":"2025-01-03T00:00:00Z"},
			 "contentDetails":{"duration":"PT1H"},"statistics":{"viewCount":"5"}}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	l := NewDataAPI(testClient(), config.ListingConfig{APIKey: "k", BaseURL: srv.URL, Retries: 1})
	got, err := l.ListCollection(context.Background(), "UCchan")
	require.NoError(t, err)

	assert.Equal(t, "UCchan", got.Collection.ID)
	assert.Equal(t, "Chan", got.Collection.Title)
	assert.Equal(t, 2, got.Collection.ItemCount)
	require.Len(t, got.Entries, 2)

	one := got.Entries[0]
	assert.Equal(t, "v1", one.ID)
	assert.Equal(t, "One", one.Metadata.Title)
	assert.Equal(t, 600, one.Metadata.DurationSeconds)
	assert.Equal(t, int64(1200), one.Metadata.ViewCount)
	assert.Equal(t, int64(30), one.Metadata.LikeCount)
	assert.Equal(t, 2025, one.Metadata.PublishedAt.Year())
	assert.False(t, one.Metadata.FetchedAt.IsZero())

	assert.Equal(t, 3600, got.Entries[1].Metadata.DurationSeconds)
	assert.Zero(t, got.Entries[1].Metadata.LikeCount)
}

func TestDataAPI_MaxItems(t *testing.T) {
	var pages atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /playlists", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"snippet":{"title":"PL"}}]}`))
	})
	mux.HandleFunc("GET /playlistItems", func(w http.ResponseWriter, _ *http.Request) {
		pages.Add(1)
		_, _ = w.Write([]byte(`{"nextPageToken":"more","items":[
			{"contentDetails":{"videoId":"a"}},{"contentDetails":{"videoId":"b"}},{"contentDetails":{"videoId":"c"}}]}`))
	})
	mux.HandleFunc("GET /videos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a,b", r.URL.Query().Get("id"))
		_, _ = w.Write([]byte(`{"items":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	l := NewDataAPI(testClient(), config.ListingConfig{APIKey: "k", BaseURL: srv.URL, MaxItems: 2, Retries: 1})
	_, err := l.ListCollection(context.Background(), "PLx")
	require.NoError(t, err)
	assert.Equal(t, int32(1), pages.Load())
}

func TestDataAPI_CollectionNotFound(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"empty playlists", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"items":[]}`))
		}},
		{"404", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			l := NewDataAPI(testClient(), config.ListingConfig{APIKey: "k", BaseURL: srv.URL, Retries: 1})
			_, err := l.ListCollection(context.Background(), "PLgone")
			assert.True(t, errors.Is(err, ErrCollectionNotFound))
		})
	}
}

func TestDataAPI_Unreachable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := NewDataAPI(testClient(), config.ListingConfig{APIKey: "k", BaseURL: srv.URL, Retries: 1})
	_, err := l.ListCollection(context.Background(), "PLx")
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDataAPI_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"quotaExceeded"}}`))
	}))
	defer srv.Close()

	l := NewDataAPI(testClient(), config.ListingConfig{APIKey: "k", BaseURL: srv.URL, Retries: 1})
	_, err := l.ListCollection(context.Background(), "PLx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.False(t, errors.Is(err, ErrCollectionNotFound))
	assert.False(t, errors.Is(err, ErrUnreachable))
}

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
 <title>Chan Uploads</title>
 <entry>
  <id>yt:video:abc123</id>
  <yt:videoId>abc123</yt:videoId>
  <title>First Video</title>
  <author><name>Chan</name></author>
  <published>2025-02-01T10:00:00+00:00</published>
  <media:group>
   <media:title>First Video</media:title>
   <media:description>About the first video</media:description>
   <media:community>
    <media:statistics views="4321"/>
   </media:community>
  </media:group>
 </entry>
 <entry>
  <id>yt:video:def456</id>
  <title>Second Video</title>
  <published>2025-02-02T10:00:00+00:00</published>
 </entry>
</feed>`

func TestFeed_ListCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "UCchan", r.URL.Query().Get("channel_id"))
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(sampleFeed))
	}))
	defer srv.Close()

	l := NewFeed(testClient(), config.ListingConfig{FeedBaseURL: srv.URL, Retries: 1})
	got, err := l.ListCollection(context.Background(), "UCchan")
	require.NoError(t, err)

	assert.Equal(t, "Chan Uploads", got.Collection.Title)
	require.Len(t, got.Entries, 2)

	first := got.Entries[0]
	assert.Equal(t, "abc123", first.ID)
	assert.Equal(t, "First Video", first.Metadata.Title)
	assert.Equal(t, "About the first video", first.Metadata.Description)
	assert.Equal(t, int64(4321), first.Metadata.ViewCount)
	assert.Equal(t, "Chan", first.Metadata.ChannelTitle)
	assert.Zero(t, first.Metadata.DurationSeconds)

	assert.Equal(t, "def456", got.Entries[1].ID)
}

func TestFeed_PlaylistParamAndNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PLmissing", r.URL.Query().Get("playlist_id"))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	l := NewFeed(testClient(), config.ListingConfig{FeedBaseURL: srv.URL, Retries: 1})
	_, err := l.ListCollection(context.Background(), "PLmissing")
	assert.True(t, errors.Is(err, ErrCollectionNotFound))
}

func TestNew_Providers(t *testing.T) {
	c := testClient()

	l, err := New(c, config.ListingConfig{Provider: "data_api", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &DataAPILister{}, l)

	l, err = New(c, config.ListingConfig{Provider: "feed"})
	require.NoError(t, err)
	assert.IsType(t, &FeedLister{}, l)

	_, err = New(c, config.ListingConfig{Provider: "data_api"})
	assert.Error(t, err)

	_, err = New(c, config.ListingConfig{Provider: "ftp"})
	assert.Error(t, err)
}
