// Package voice turns reply text into a voice note file. Synthesis and
// transcoding run on a bounded worker pool; every temporary artifact lives
// in a per-render directory that is removed on every exit path.
package voice

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Synthesizer renders text to MP3 audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ErrSynthesis wraps failures that happen before any file was handed to
// the sender.
var ErrSynthesis = errors.New("voice: synthesis failed")

type Renderer struct {
	synth      Synthesizer
	ffmpeg     string
	ambientDir string
	tempRoot   string
	ambientVol float64
	workers    *semaphore.Weighted
	run        Runner
	log        zerolog.Logger
}

type Option func(*Renderer)

// WithAmbientDir mixes a random track from dir under each note.
func WithAmbientDir(dir string) Option {
	return func(r *Renderer) { r.ambientDir = strings.TrimSpace(dir) }
}

// WithTempRoot places render directories under root instead of os.TempDir.
func WithTempRoot(root string) Option {
	return func(r *Renderer) { r.tempRoot = root }
}

func WithRunner(run Runner) Option {
	return func(r *Renderer) { r.run = run }
}

// NewRenderer creates a Renderer with at most workers concurrent renders.
func NewRenderer(synth Synthesizer, ffmpegPath string, workers int64, log zerolog.Logger, opts ...Option) (*Renderer, error) {
	if synth == nil {
		return nil, errors.New("voice: synthesizer must not be nil")
	}
	if workers <= 0 {
		workers = 1
	}
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	r := &Renderer{
		synth:      synth,
		ffmpeg:     ffmpegPath,
		ambientVol: 0.08,
		workers:    semaphore.NewWeighted(workers),
		run:        execRunner,
		log:        log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Render synthesizes text and calls send with the path of the finished
// note. The file is only valid during send. Errors from send are returned
// unchanged; earlier failures wrap ErrSynthesis.
func (r *Renderer) Render(ctx context.Context, text string, send func(ctx context.Context, path string) error) error {
	dir, err := os.MkdirTemp(r.tempRoot, "voice-")
	if err != nil {
		return fmt.Errorf("%w: temp dir: %v", ErrSynthesis, err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			r.log.Warn().Err(err).Str("dir", dir).Msg("voice cleanup failed")
		}
	}()

	path, err := r.prepare(ctx, dir, text)
	if err != nil {
		return err
	}
	return send(ctx, path)
}

func (r *Renderer) prepare(ctx context.Context, dir, text string) (string, error) {
	if err := r.workers.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	defer r.workers.Release(1)

	audio, err := r.synth.Synthesize(ctx, text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	base := uuid.NewString()
	mp3 := filepath.Join(dir, base+".mp3")
	if err := os.WriteFile(mp3, audio, 0o600); err != nil {
		return "", fmt.Errorf("%w: write audio: %v", ErrSynthesis, err)
	}

	source := mp3
	if track := r.pickAmbient(); track != "" {
		mixed := filepath.Join(dir, base+"-mixed.mp3")
		if err := r.mix(ctx, mp3, track, mixed); err != nil {
			r.log.Warn().Err(err).Msg("ambient mix failed, using plain voice")
		} else {
			source = mixed
		}
	}

	ogg := filepath.Join(dir, base+".ogg")
	if err := r.transcode(ctx, source, ogg); err != nil {
		r.log.Warn().Err(err).Msg("opus transcode failed, sending mp3")
		return source, nil
	}
	return ogg, nil
}

func (r *Renderer) pickAmbient() string {
	if r.ambientDir == "" {
		return ""
	}
	entries, err := os.ReadDir(r.ambientDir)
	if err != nil {
		return ""
	}
	var tracks []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".mp3", ".ogg", ".wav", ".m4a":
			tracks = append(tracks, filepath.Join(r.ambientDir, e.Name()))
		}
	}
	if len(tracks) == 0 {
		return ""
	}
	return tracks[rand.Intn(len(tracks))]
}

func (r *Renderer) mix(ctx context.Context, voice, ambient, out string) error {
	filter := fmt.Sprintf("[1:a]volume=%.2f[bg];[0:a][bg]amix=inputs=2:duration=first:dropout_transition=0", r.ambientVol)
	output, err := r.run(ctx, r.ffmpeg, "-y", "-loglevel", "error",
		"-i", voice, "-stream_loop", "-1", "-i", ambient,
		"-filter_complex", filter, out)
	if err != nil {
		return fmt.Errorf("voice: ffmpeg mix: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (r *Renderer) transcode(ctx context.Context, in, out string) error {
	output, err := r.run(ctx, r.ffmpeg, "-y", "-loglevel", "error",
		"-i", in, "-c:a", "libopus", "-b:a", "48k", "-vbr", "on", out)
	if err != nil {
		return fmt.Errorf("voice: ffmpeg transcode: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
