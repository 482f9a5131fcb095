package extractor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// YTDLP extracts streams by running yt-dlp through go-ytdlp.
type YTDLP struct {
	attempts         int
	backoff          time.Duration
	timeout          time.Duration
	allowProgressive bool
	log              *slog.Logger

	// run executes yt-dlp for a page URL and returns its JSON stdout.
	run func(ctx context.Context, pageURL string) (string, error)
}

// YTDLPOptions configures NewYTDLP.
type YTDLPOptions struct {
	// Attempts is the number of tries per extraction (default 3).
	Attempts int
	// Backoff is the pause before the second attempt, doubled afterwards.
	Backoff time.Duration
	// Timeout bounds each yt-dlp invocation. Zero means no bound.
	Timeout time.Duration
	// AllowProgressive accepts a non-HLS result when no HLS format exists.
	AllowProgressive bool
}

// NewYTDLP returns a yt-dlp backed Extractor.
func NewYTDLP(log *slog.Logger, opts YTDLPOptions) *YTDLP {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	return &YTDLP{
		attempts:         opts.Attempts,
		backoff:          opts.Backoff,
		timeout:          opts.Timeout,
		allowProgressive: opts.AllowProgressive,
		log:              log,
		run:              runYTDLP,
	}
}

// Install makes sure a yt-dlp binary is available, downloading one if needed.
func Install(ctx context.Context) error {
	_, err := ytdlp.Install(ctx, nil)
	return err
}

func runYTDLP(ctx context.Context, pageURL string) (string, error) {
	dl := ytdlp.New().
		SkipDownload().
		NoPlaylist().
		PrintJSON()

	res, err := dl.Run(ctx, pageURL)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// Extract resolves id, retrying transient tool failures. ErrInvalidID and
// ErrNoStream are not retried.
func (y *YTDLP) Extract(ctx context.Context, id string) (*ExtractionResult, error) {
	pageURL, err := SourceURL(id)
	if err != nil {
		return nil, err
	}

	wait := y.backoff
	var lastErr error
	for attempt := 1; attempt <= y.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}

		res, err := y.extractOnce(ctx, pageURL)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrNoStream) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		y.log.Warn("extraction attempt failed",
			slog.String("source", pageURL),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("extract %s: %w", pageURL, lastErr)
}

func (y *YTDLP) extractOnce(ctx context.Context, pageURL string) (*ExtractionResult, error) {
	if y.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.timeout)
		defer cancel()
	}
	out, err := y.run(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return ParseInfo(out, y.allowProgressive)
}

// videoInfo is the subset of yt-dlp's info JSON that extraction uses.
type videoInfo struct {
	ID           string       `json:"id"`
	ExtractorKey string       `json:"extractor_key"`
	Title        string       `json:"title"`
	URL          string       `json:"url"`
	ManifestURL  string       `json:"manifest_url"`
	Protocol     string       `json:"protocol"`
	Ext          string       `json:"ext"`
	Height       *float64     `json:"height"`
	Formats      []formatInfo `json:"formats"`
}

type formatInfo struct {
	FormatID    string   `json:"format_id"`
	URL         string   `json:"url"`
	ManifestURL string   `json:"manifest_url"`
	Protocol    string   `json:"protocol"`
	Ext         string   `json:"ext"`
	Height      *float64 `json:"height"`
}

func height(h *float64) int {
	if h == nil {
		return 0
	}
	return int(*h)
}

// ParseInfo reads the first JSON document of yt-dlp output and selects the
// best stream. yt-dlp's own top-level pick competes with the listed formats.
func ParseInfo(out string, allowProgressive bool) (*ExtractionResult, error) {
	var info videoInfo
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64<<10), 64<<20)
	found := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			return nil, fmt.Errorf("decode yt-dlp output: %w", err)
		}
		found = true
		break
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read yt-dlp output: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("yt-dlp produced no info json")
	}

	candidates := make([]Format, 0, len(info.Formats)+1)
	candidates = append(candidates, Format{
		ID:          "selected",
		URL:         info.URL,
		ManifestURL: info.ManifestURL,
		Protocol:    info.Protocol,
		Ext:         info.Ext,
		Height:      height(info.Height),
	})
	for _, f := range info.Formats {
		candidates = append(candidates, Format{
			ID:          f.FormatID,
			URL:         f.URL,
			ManifestURL: f.ManifestURL,
			Protocol:    f.Protocol,
			Ext:         f.Ext,
			Height:      height(f.Height),
		})
	}

	best, ok := Select(candidates, allowProgressive)
	if !ok {
		return nil, ErrNoStream
	}
	u, err := url.Parse(best.PlaylistURL())
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: bad url from format %s", ErrNoStream, best.ID)
	}

	return &ExtractionResult{MediaURL: u, Title: info.title(), HLS: best.IsHLS()}, nil
}

// title falls back to a name built from the video id when yt-dlp reports none.
func (v videoInfo) title() string {
	switch {
	case v.Title != "":
		return v.Title
	case v.ID == "":
		return "Untitled stream"
	case strings.EqualFold(v.ExtractorKey, "youtube"):
		return fmt.Sprintf("YouTube Video (%s)", v.ID)
	default:
		return fmt.Sprintf("Video (%s)", v.ID)
	}
}
