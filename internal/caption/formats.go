package caption

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/transcript-engine/internal/model"
)

type json3Doc struct {
	Events []struct {
		TStartMs    int64 `json:"tStartMs"`
		DDurationMs int64 `json:"dDurationMs"`
		Segs        []struct {
			UTF8 string `json:"utf8"`
		} `json:"segs"`
	} `json:"events"`
}

// ParseJSON3 parses the structured event-list format (fmt=json3).
func ParseJSON3(data []byte, lang string) (*model.Transcript, error) {
	var doc json3Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "caption: decode json3")
	}

	var b builder
	for _, ev := range doc.Events {
		if len(ev.Segs) == 0 {
			continue
		}
		var sb strings.Builder
		for _, seg := range ev.Segs {
			sb.WriteString(seg.UTF8)
		}
		b.add(sb.String(), ev.TStartMs, ev.DDurationMs)
	}
	return b.build(lang)
}

// srv1: <transcript><text start="1.5" dur="2.1">...</text></transcript>
// srv3: <timedtext format="3"><body><p t="1500" d="2100"><s>..</s></p></body></timedtext>
type timedTextDoc struct {
	Lines []struct {
		Start string `xml:"start,attr"`
		Dur   string `xml:"dur,attr"`
		Text  string `xml:",chardata"`
	} `xml:"text"`
	Body struct {
		Paragraphs []struct {
			T     int64  `xml:"t,attr"`
			D     int64  `xml:"d,attr"`
			Text  string `xml:",chardata"`
			Spans []struct {
				Text string `xml:",chardata"`
			} `xml:"s"`
		} `xml:"p"`
	} `xml:"body"`
}

// ParseTimedText parses the markup-based caption formats (srv1 and srv3).
func ParseTimedText(data []byte, lang string) (*model.Transcript, error) {
	var doc timedTextDoc
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "caption: decode timedtext")
	}

	var b builder
	for _, l := range doc.Lines {
		b.add(l.Text, secondsToMs(l.Start), secondsToMs(l.Dur))
	}
	for _, p := range doc.Body.Paragraphs {
		text := p.Text
		if len(p.Spans) > 0 {
			var sb strings.Builder
			for _, s := range p.Spans {
				sb.WriteString(s.Text)
			}
			text = sb.String()
		}
		b.add(text, p.T, p.D)
	}
	return b.build(lang)
}

// PanelSegment is one entry of the transcript panel's segment list.
type PanelSegment struct {
	StartMs int64
	EndMs   int64
	Text    string
}

// FromPanel converts transcript panel segments.
func FromPanel(segs []PanelSegment, lang string) (*model.Transcript, error) {
	var b builder
	for _, s := range segs {
		b.add(s.Text, s.StartMs, s.EndMs-s.StartMs)
	}
	return b.build(lang)
}

// Parse sniffs the payload and dispatches to ParseJSON3 or ParseTimedText.
func Parse(data []byte, lang string) (*model.Transcript, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrEmpty
	}
	if trimmed[0] == '{' {
		return ParseJSON3(trimmed, lang)
	}
	return ParseTimedText(trimmed, lang)
}

func secondsToMs(s string) int64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(f * 1000))
}
