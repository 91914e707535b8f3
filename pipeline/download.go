package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onnwee/reelrelay/telemetry"
)

// ErrNoVideo is returned when yt-dlp exits cleanly but leaves no video file.
var ErrNoVideo = errors.New("could not find downloaded video file")

// download fetches url into wd.Root as video.<ext>, with English subtitles
// when the platform provides them. Subtitle files are moved into wd.Subs.
func (p *Pipeline) download(ctx context.Context, url string, wd WorkDir) (string, error) {
	args := []string{
		"-o", "video.%(ext)s",
		"--no-playlist",
		"--write-subs",
		"--write-auto-subs",
		"--sub-lang", p.opts.SubLang,
		"--sub-format", "vtt",
		url,
	}

	// Retry loop with exponential backoff + jitter
	maxAttempts := p.opts.DownloadMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	baseBackoff := p.opts.DownloadBackoffBase
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<attempt)
			if baseBackoff > 0 {
				backoff += time.Duration(rand.Int63n(int64(baseBackoff))) // up to baseBackoff extra
			}
			p.logger.Warn("retrying download", slog.String("url", url), slog.Int("attempt", attempt), slog.Duration("backoff", backoff), slog.Any("err", lastErr))
			telemetry.CountRetry()
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		_, err := p.run.run(ctx, "yt-dlp", wd.Root, p.opts.YTDLPPath, args...)
		if err == nil {
			return collectDownload(wd)
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !IsRetryableError(err) {
			p.logger.Info("download failed permanently", slog.String("url", url), slog.String("class", ClassifyError(err).String()))
			return "", err
		}
	}
	return "", lastErr
}

// collectDownload moves subtitle files into wd.Subs and returns the video path.
func collectDownload(wd WorkDir) (string, error) {
	entries, err := os.ReadDir(wd.Root)
	if err != nil {
		return "", fmt.Errorf("read task dir: %w", err)
	}
	var video string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		switch {
		case strings.EqualFold(ext, ".vtt"):
			if err := os.Rename(filepath.Join(wd.Root, name), filepath.Join(wd.Subs, name)); err != nil {
				return "", fmt.Errorf("move subtitles: %w", err)
			}
		case strings.TrimSuffix(name, ext) == "video" && !strings.HasSuffix(name, ".part"):
			video = filepath.Join(wd.Root, name)
		}
	}
	if video == "" {
		return "", ErrNoVideo
	}
	return video, nil
}

// hasSubtitles reports whether dir holds at least one .vtt file.
func hasSubtitles(dir string) bool {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.vtt"))
	return len(matches) > 0
}
