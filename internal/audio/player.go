package audio

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
)

// ErrNoPlayer is returned when no playback program can be found.
var ErrNoPlayer = errors.New("no audio player found (install ffplay, afplay or aplay)")

// CommandPlayer plays WAV files through an external program, one process
// per segment. Cancelling the context kills the process.
type CommandPlayer struct {
	path   string
	volume int
	logger zerolog.Logger
}

// NewCommandPlayer resolves path, or the first of ffplay, afplay and aplay
// on PATH when path is empty. volume is 0-100 and only honored by ffplay.
func NewCommandPlayer(path string, volume int, logger zerolog.Logger) (*CommandPlayer, error) {
	candidates := []string{path}
	if path == "" {
		candidates = []string{"ffplay", "afplay", "aplay"}
	}
	for _, c := range candidates {
		if resolved, err := exec.LookPath(c); err == nil {
			return &CommandPlayer{
				path:   resolved,
				volume: volume,
				logger: logger.With().Str("component", "audio-player").Logger(),
			}, nil
		}
	}
	return nil, ErrNoPlayer
}

func (p *CommandPlayer) args(file string) []string {
	switch filepath.Base(p.path) {
	case "ffplay", "ffplay.exe":
		return []string{"-nodisp", "-autoexit", "-loglevel", "quiet", "-volume", strconv.Itoa(p.volume), file}
	case "aplay":
		return []string{"-q", file}
	default:
		return []string{file}
	}
}

// Play runs the player on seg.Path and waits for it to exit.
func (p *CommandPlayer) Play(ctx context.Context, seg *Segment) error {
	if seg.Path == "" {
		return fmt.Errorf("segment has no file")
	}
	cmd := exec.CommandContext(ctx, p.path, p.args(seg.Path)...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", filepath.Base(p.path), err)
	}
	p.logger.Debug().Int("bytes", len(seg.Data)).Msg("Segment played")
	return nil
}
