package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
)

// ErrEmptyAnalysis is returned when the analyzer exits cleanly with no text.
var ErrEmptyAnalysis = errors.New("analyzer returned no output")

// extractFrames samples the video into wd.Frames at the configured rate.
func (p *Pipeline) extractFrames(ctx context.Context, video string, wd WorkDir) error {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", video,
		"-vf", "fps=" + p.opts.FrameRate,
		filepath.Join("frames", "frame_%03d.jpg"),
	}
	_, err := p.run.run(ctx, "ffmpeg", wd.Root, p.opts.FFmpegPath, args...)
	return err
}

// transcribe writes a VTT transcript into wd.Subs using whisper. Only used
// when the platform supplied no subtitles.
func (p *Pipeline) transcribe(ctx context.Context, video string, wd WorkDir) error {
	args := []string{
		video,
		"--model", p.opts.WhisperModel,
		"--output_dir", wd.Subs,
		"--output_format", "vtt",
	}
	_, err := p.run.run(ctx, "whisper", wd.Root, p.opts.WhisperPath, args...)
	return err
}

// summarize runs the analyzer inside wd.Root and returns its trimmed stdout.
func (p *Pipeline) summarize(ctx context.Context, wd WorkDir) (string, error) {
	var args []string
	if p.opts.OpencodeModel != "" {
		args = append(args, "-m", p.opts.OpencodeModel)
	}
	args = append(args, "run", p.opts.Prompt)
	out, err := p.run.run(ctx, "opencode", wd.Root, p.opts.OpencodePath, args...)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", &StageError{Stage: "opencode", Err: ErrEmptyAnalysis}
	}
	p.logger.Debug("analysis produced", slog.Int("chars", len([]rune(out))))
	return out, nil
}
