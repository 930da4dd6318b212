package transcribe

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

const defaultWatchURL = "https://www.youtube.com/watch?v="

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command with os/exec. Stderr is folded into the error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, eris.Wrapf(err, "%s: %s", name, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// YtDlp downloads audio with the yt-dlp command.
type YtDlp struct {
	path     string
	tempDir  string
	watchURL string
	run      Runner
}

// NewYtDlp creates a YtDlp source. An empty watchURL uses the public watch page.
func NewYtDlp(path, tempDir, watchURL string) *YtDlp {
	if path == "" {
		path = "yt-dlp"
	}
	if watchURL == "" {
		watchURL = defaultWatchURL
	}
	return &YtDlp{path: path, tempDir: tempDir, watchURL: watchURL, run: ExecRunner}
}

// WithRunner replaces the command runner.
func (y *YtDlp) WithRunner(r Runner) *YtDlp {
	y.run = r
	return y
}

// Fetch downloads the best audio stream of itemID into a fresh temp dir.
func (y *YtDlp) Fetch(ctx context.Context, itemID string) (*Audio, error) {
	if y.tempDir != "" {
		if err := os.MkdirAll(y.tempDir, 0o755); err != nil {
			return nil, eris.Wrap(err, "ytdlp: create temp dir")
		}
	}
	dir, err := os.MkdirTemp(y.tempDir, "audio-*")
	if err != nil {
		return nil, eris.Wrap(err, "ytdlp: create work dir")
	}
	cleanup := func() error { return os.RemoveAll(dir) }

	out, err := y.run(ctx, y.path,
		"-f", "bestaudio[ext=m4a]/bestaudio/best",
		"--no-playlist",
		"--no-progress",
		"--quiet",
		"--no-simulate",
		"--print", "after_move:%(filepath)s\t%(duration)s",
		"-o", filepath.Join(dir, itemID+".%(ext)s"),
		y.watchURL+itemID,
	)
	if err != nil {
		_ = cleanup()
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "ytdlp: cancelled")
		}
		return nil, eris.Wrapf(err, "ytdlp: download %s", itemID)
	}

	path, seconds, err := parsePrint(out)
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		_ = cleanup()
		return nil, eris.Wrapf(err, "ytdlp: audio file for %s", itemID)
	}
	return &Audio{Path: path, Seconds: seconds, cleanup: cleanup}, nil
}

// parsePrint reads the last "<path>\t<duration>" line yt-dlp printed.
func parsePrint(out []byte) (string, float64, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		path, dur, ok := strings.Cut(strings.TrimSpace(lines[i]), "\t")
		if !ok || path == "" {
			continue
		}
		seconds, err := strconv.ParseFloat(dur, 64)
		if err != nil {
			seconds = 0 // "NA" for unknown duration
		}
		return path, seconds, nil
	}
	return "", 0, eris.New("ytdlp: no output file reported")
}
