// Package caption converts the platform's caption wire formats into the
// normalized model.Transcript shape.
package caption

import (
	"html"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/model"
)

// ErrEmpty is returned when a payload parses but carries no caption text.
var ErrEmpty = eris.New("caption: no text in payload")

var (
	tagRe   = regexp.MustCompile(`<[^>]+>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// builder accumulates segments, dropping empty lines and the rolling
// duplicates auto-generated captions repeat across overlapping cues.
type builder struct {
	segments []model.Segment
	prev     string
}

func (b *builder) add(text string, startMs, durationMs int64) {
	text = cleanText(text)
	if text == "" || text == b.prev {
		return
	}
	if durationMs < 0 {
		durationMs = 0
	}
	b.segments = append(b.segments, model.Segment{Text: text, StartMs: startMs, DurationMs: durationMs})
	b.prev = text
}

func (b *builder) build(lang string) (*model.Transcript, error) {
	if len(b.segments) == 0 {
		return nil, ErrEmpty
	}
	parts := make([]string, len(b.segments))
	for i, s := range b.segments {
		parts[i] = s.Text
	}
	return &model.Transcript{
		Text:         strings.Join(parts, " "),
		Segments:     b.segments,
		LanguageCode: NormalizeLanguage(lang),
	}, nil
}

// cleanText unescapes entities (captions are often escaped twice), strips
// inline markup and collapses whitespace.
func cleanText(s string) string {
	s = html.UnescapeString(html.UnescapeString(s))
	s = tagRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
