// Package pipeline turns a shared video URL into a text summary by driving
// external tools: yt-dlp downloads, ffmpeg samples frames, whisper optionally
// transcribes, and opencode writes the summary. Every invocation runs inside a
// per-task working directory and is killed when the task context ends.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/reelrelay/config"
	"github.com/onnwee/reelrelay/telemetry"
)

// Options configures tool paths and stage behaviour.
type Options struct {
	YTDLPPath           string
	SubLang             string
	DownloadMaxAttempts int
	DownloadBackoffBase time.Duration

	FFmpegPath string
	FrameRate  string

	WhisperEnabled bool
	WhisperPath    string
	WhisperModel   string

	OpencodePath  string
	OpencodeModel string
	Prompt        string

	// WaitDelay bounds how long a killed tool may hold its output pipes.
	WaitDelay time.Duration
}

// OptionsFromConfig maps the relay configuration onto pipeline options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		YTDLPPath:           cfg.YTDLPPath,
		SubLang:             cfg.SubLang,
		DownloadMaxAttempts: cfg.DownloadMaxAttempts,
		DownloadBackoffBase: cfg.DownloadBackoffBase,
		FFmpegPath:          cfg.FFmpegPath,
		FrameRate:           cfg.FrameRate,
		WhisperEnabled:      cfg.WhisperEnabled,
		WhisperPath:         cfg.WhisperPath,
		WhisperModel:        cfg.WhisperModel,
		OpencodePath:        cfg.OpencodePath,
		OpencodeModel:       cfg.OpencodeModel,
		Prompt:              cfg.Prompt,
		WaitDelay:           5 * time.Second,
	}
}

// Request is one analysis job.
type Request struct {
	TaskID string
	URL    string
	Dir    WorkDir
}

// Pipeline runs the download → frames → (transcribe) → summarize chain.
type Pipeline struct {
	opts   Options
	logger *slog.Logger
	run    runner
}

// New builds a Pipeline. A nil logger falls back to slog.Default().
func New(opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SubLang == "" {
		opts.SubLang = "en"
	}
	if opts.FrameRate == "" {
		opts.FrameRate = "0.5"
	}
	logger = logger.With(slog.String("component", "pipeline"))
	return &Pipeline{opts: opts, logger: logger, run: runner{logger: logger, waitDelay: opts.WaitDelay}}
}

// Analyze produces the summary for req.URL. Any error is a per-link failure;
// the caller decides how to report it.
func (p *Pipeline) Analyze(ctx context.Context, req Request) (string, error) {
	logger := telemetry.LoggerWithCorr(ctx, p.logger).With(slog.String("url", req.URL))

	video, err := p.download(ctx, req.URL, req.Dir)
	if err != nil {
		return "", err
	}
	logger.Debug("downloaded", slog.String("path", video))

	if err := p.extractFrames(ctx, video, req.Dir); err != nil {
		return "", err
	}

	if p.opts.WhisperEnabled && !hasSubtitles(req.Dir.Subs) {
		// Missing transcript degrades the summary but does not fail it.
		if err := p.transcribe(ctx, video, req.Dir); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			logger.Warn("transcription failed, continuing without subtitles", slog.Any("err", err))
		}
	}

	return p.summarize(ctx, req.Dir)
}
