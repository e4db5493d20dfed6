package convert

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/logctx"
)

// Converter turns downloaded media into the container and codec the quality
// preset asks for, by shelling out to ffmpeg. ffprobe supplies the duration
// when the fetch stage could not.
type Converter struct {
	FFmpegPath  string
	FFprobePath string
}

func New(ffmpegPath, ffprobePath string) *Converter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}

	return &Converter{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

// NeedsConversion reports whether the downloaded file already satisfies the
// preset's container. yt-dlp produces the target format directly in most
// cases; conversion is the fallback, not the rule.
func (c *Converter) NeedsConversion(inputPath string, q job.Quality) bool {
	return !strings.EqualFold(strings.TrimPrefix(filepath.Ext(inputPath), "."), q.Ext)
}

// Probe returns the media duration in seconds.
func (c *Converter) Probe(ctx context.Context, inputPath string) (float64, error) {
	out, err := exec.CommandContext(ctx, c.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", inputPath, err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing probed duration: %w", err)
	}

	return duration, nil
}

// Convert transcodes inputPath into the preset's target format next to the
// input and returns the new path. durationSec bounds the progress fraction;
// pass 0 when unknown and progress will simply hold. onProgress receives the
// per-stage completion percent.
func (c *Converter) Convert(ctx context.Context, inputPath string, q job.Quality, durationSec float64, onProgress func(percent float64)) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	outputPath := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "." + q.Ext
	args := append([]string{"-y", "-i", inputPath}, codecArgs(q)...)
	args = append(args, "-progress", "pipe:1", "-nostats", outputPath)

	cmd := exec.CommandContext(ctx, c.FFmpegPath, args...)

	var stderr strings.Builder

	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("attaching ffmpeg stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", &job.ConversionError{Input: inputPath, Reason: "starting ffmpeg", Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if percent, ok := parseProgressLine(scanner.Text(), durationSec); ok && onProgress != nil {
			onProgress(percent)
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		return "", &job.ConversionError{
			Input:  inputPath,
			Reason: tail(stderr.String(), 512),
			Err:    err,
		}
	}

	logger.Debug("converted media", "input", inputPath, "output", outputPath)

	return outputPath, nil
}

// codecArgs maps a quality preset to ffmpeg codec arguments.
func codecArgs(q job.Quality) []string {
	if q.Kind == job.MediaKindAudio {
		if q.Ext == "m4a" {
			// Remux, re-encode only when the source codec does not fit.
			return []string{"-vn", "-c:a", "aac", "-b:a", "192k"}
		}

		return []string{"-vn", "-c:a", "libmp3lame", "-b:a", fmt.Sprintf("%dk", q.BitrateKbps)}
	}

	// Video presets were already height-capped by the fetch format selector;
	// only the container needs fixing here.
	return []string{"-c", "copy", "-movflags", "+faststart"}
}

// parseProgressLine extracts a completion percent from one "-progress"
// key=value line.
func parseProgressLine(line string, durationSec float64) (float64, bool) {
	value, found := strings.CutPrefix(strings.TrimSpace(line), "out_time_us=")
	if !found || durationSec <= 0 {
		return 0, false
	}

	outTimeUs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}

	percent := float64(outTimeUs) / 1e6 / durationSec * 100
	if percent > 100 {
		percent = 100
	}

	return percent, true
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}

	return s[len(s)-n:]
}
