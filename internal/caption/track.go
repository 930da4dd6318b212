package caption

import (
	"net/url"
	"strings"

	"golang.org/x/text/language"
)

// Track is a caption track advertised by a player response or track list.
type Track struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"` // "asr" for auto-generated
	Name         string `json:"-"`
}

// IsASR reports whether the track is auto-generated.
func (t Track) IsASR() bool {
	return t.Kind == "asr"
}

// NeedsPoToken reports whether fetching the track requires a proof-of-origin
// token, which only a real browser session can produce.
func NeedsPoToken(baseURL string) bool {
	return strings.Contains(baseURL, "&exp=xpe")
}

// PickTrack selects the best fetchable track: a manual track in a preferred
// language, then an auto-generated one, then any English track, then the
// first fetchable track. ok is false when no track can be fetched.
func PickTrack(tracks []Track, prefs []string) (Track, bool) {
	usable := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		if t.BaseURL != "" && !NeedsPoToken(t.BaseURL) {
			usable = append(usable, t)
		}
	}
	if len(usable) == 0 {
		return Track{}, false
	}

	for _, asr := range []bool{false, true} {
		for _, lang := range prefs {
			for _, t := range usable {
				if t.IsASR() == asr && SameLanguage(t.LanguageCode, lang) {
					return t, true
				}
			}
		}
	}
	for _, t := range usable {
		if SameLanguage(t.LanguageCode, "en") {
			return t, true
		}
	}
	return usable[0], true
}

// WithFormat returns the track URL with fmt set, e.g. "json3" or "srv3".
func WithFormat(baseURL, format string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	q := u.Query()
	q.Set("fmt", format)
	u.RawQuery = q.Encode()
	return u.String()
}

// NormalizeLanguage canonicalises a BCP-47 code ("en-us" -> "en-US"). Codes
// that do not parse are returned lower-cased.
func NormalizeLanguage(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return strings.ToLower(code)
	}
	return tag.String()
}

// SameLanguage reports whether two codes share a base language, so "en-GB"
// matches a preference for "en".
func SameLanguage(a, b string) bool {
	ta, errA := language.Parse(a)
	tb, errB := language.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	ba, _ := ta.Base()
	bb, _ := tb.Base()
	return ba == bb
}
