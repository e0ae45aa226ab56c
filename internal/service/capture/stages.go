package capture

import (
	"strconv"
	"strings"

	"github.com/zhouzirui/clawstream/backend/internal/config"
)

// Stages are the external commands the service runs. Args may contain the
// Placeholder* tokens.
type Stages struct {
	FrameAcquire Stage
	FrameExtract Stage
	AudioAcquire Stage
	AudioExtract Stage
	Probe        Stage
}

// DefaultStages builds streamlink | ffmpeg pipelines from the capture config.
func DefaultStages(cfg config.CaptureConfig) Stages {
	streamlink := cfg.StreamlinkPath
	ffmpeg := cfg.FFmpegPath

	frameOut := []string{"-frames:v", "1"}
	if frameFormat(cfg.FrameFormat) == "jpeg" {
		frameOut = append(frameOut, "-q:v", "3")
	}

	return Stages{
		FrameAcquire: Stage{Path: streamlink, Args: []string{
			"--stdout", "--loglevel", "error", "--hls-live-edge", "1",
			PlaceholderURL, PlaceholderQuality,
		}},
		FrameExtract: Stage{Path: ffmpeg, Args: append(append([]string{
			"-hide_banner", "-loglevel", "error", "-i", "pipe:0",
		}, frameOut...), "-y", PlaceholderOut)},
		AudioAcquire: Stage{Path: streamlink, Args: []string{
			"--stdout", "--loglevel", "error", "--hls-live-edge", "2",
			PlaceholderURL, "audio_only,worst",
		}},
		AudioExtract: Stage{Path: ffmpeg, Args: []string{
			"-hide_banner", "-loglevel", "error", "-i", "pipe:0",
			"-t", PlaceholderDuration, "-vn", "-ac", "1", "-ar", "16000",
			"-c:a", "pcm_s16le", "-f", "wav", "-y", PlaceholderOut,
		}},
		Probe: Stage{Path: streamlink, Args: []string{
			"--json", PlaceholderURL,
		}},
	}
}

func frameFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "png":
		return "png"
	default:
		return "jpeg"
	}
}

func frameExt(format string) string {
	if frameFormat(format) == "png" {
		return ".png"
	}
	return ".jpg"
}

func seconds(cfg config.CaptureConfig) string {
	return strconv.FormatFloat(cfg.AudioChunk.Seconds(), 'f', 3, 64)
}
