package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/sells-group/transcript-engine/internal/caption"
	"github.com/sells-group/transcript-engine/internal/model"
	"github.com/sells-group/transcript-engine/internal/resilience"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "whisper-1"
)

// WhisperOption configures the Whisper provider.
type WhisperOption func(*Whisper)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) WhisperOption {
	return func(w *Whisper) {
		if url != "" {
			w.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithModel overrides the default model.
func WithModel(model string) WhisperOption {
	return func(w *Whisper) {
		if model != "" {
			w.model = model
		}
	}
}

// WithLanguage pins the spoken language instead of auto-detection.
func WithLanguage(lang string) WhisperOption {
	return func(w *Whisper) { w.language = lang }
}

// WithTimeout sets the HTTP timeout. Zero keeps the default.
func WithTimeout(d time.Duration) WhisperOption {
	return func(w *Whisper) {
		if d > 0 {
			w.http.Timeout = d
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) WhisperOption {
	return func(w *Whisper) { w.http = hc }
}

// Whisper talks to an OpenAI-compatible /audio/transcriptions endpoint.
type Whisper struct {
	apiKey   string
	baseURL  string
	model    string
	language string
	http     *http.Client
}

// NewWhisper creates a Whisper provider.
func NewWhisper(apiKey string, opts ...WhisperOption) *Whisper {
	w := &Whisper{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http: &http.Client{
			Timeout: 10 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Whisper) Name() string  { return "whisper" }
func (w *Whisper) Model() string { return w.model }

type verboseResponse struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Text     string  `json:"text"`
	Words    []struct {
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"words"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe uploads the audio file and returns the verbose transcription.
func (w *Whisper) Transcribe(ctx context.Context, audio *Audio) (*Transcription, error) {
	body, contentType, err := w.form(audio.Path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return nil, eris.Wrap(err, "whisper: create request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "whisper: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "whisper: read response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("whisper: unexpected status %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var vr verboseResponse
	if err := json.Unmarshal(respBody, &vr); err != nil {
		return nil, eris.Wrap(err, "whisper: unmarshal response")
	}
	return vr.transcription(), nil
}

func (w *Whisper) form(path string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", eris.Wrap(err, "whisper: open audio")
	}
	defer f.Close() //nolint:errcheck

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", eris.Wrap(err, "whisper: create form file")
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", eris.Wrap(err, "whisper: copy audio")
	}

	fields := [][2]string{
		{"model", w.model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "word"},
		{"timestamp_granularities[]", "segment"},
	}
	if w.language != "" {
		fields = append(fields, [2]string{"language", w.language})
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return nil, "", eris.Wrapf(err, "whisper: write field %s", kv[0])
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", eris.Wrap(err, "whisper: close form")
	}
	return &buf, mw.FormDataContentType(), nil
}

func (vr verboseResponse) transcription() *Transcription {
	out := &Transcription{
		Text:     strings.TrimSpace(vr.Text),
		Language: languageCode(vr.Language),
		Seconds:  vr.Duration,
	}

	logprobs := make([]float64, 0, len(vr.Segments))
	weights := make([]float64, 0, len(vr.Segments))
	for _, s := range vr.Segments {
		start, end := secondsMs(s.Start), secondsMs(s.End)
		out.Segments = append(out.Segments, model.Segment{
			Text:       strings.TrimSpace(s.Text),
			StartMs:    start,
			DurationMs: max(end-start, 0),
		})
		logprobs = append(logprobs, s.AvgLogprob)
		weights = append(weights, s.End-s.Start)
	}
	for _, wd := range vr.Words {
		out.Words = append(out.Words, model.Word{
			Text:    strings.TrimSpace(wd.Word),
			StartMs: secondsMs(wd.Start),
			EndMs:   secondsMs(wd.End),
		})
	}
	if len(logprobs) > 0 {
		out.Confidence = confidenceFromLogprobs(logprobs, weights)
	}
	return out
}

func secondsMs(s float64) int64 {
	return int64(s*1000 + 0.5)
}

// spokenLanguages are matched against the English language names the
// provider reports ("english", "german").
var spokenLanguages = []string{
	"af", "ar", "hy", "az", "be", "bs", "bg", "ca", "zh", "hr", "cs", "da", "nl",
	"en", "et", "fi", "fr", "gl", "de", "el", "he", "hi", "hu", "is", "id", "it",
	"ja", "kn", "kk", "ko", "lv", "lt", "mk", "ms", "mr", "mi", "ne", "no", "fa",
	"pl", "pt", "ro", "ru", "sr", "sk", "sl", "es", "sw", "sv", "tl", "ta", "th",
	"tr", "uk", "ur", "vi", "cy",
}

var languageNames = func() map[string]string {
	names := make(map[string]string, len(spokenLanguages))
	namer := display.English.Languages()
	for _, code := range spokenLanguages {
		names[strings.ToLower(namer.Name(language.MustParse(code)))] = code
	}
	return names
}()

// languageCode maps a provider language (name or code) to a BCP-47 code.
func languageCode(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if code, ok := languageNames[s]; ok {
		return code
	}
	return caption.NormalizeLanguage(s)
}
