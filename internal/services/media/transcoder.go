package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/sirupsen/logrus"
)

// Transcoder converts voice recordings into the format the speech model accepts
type Transcoder interface {
	ToWAV(ctx context.Context, audio []byte, format string) ([]byte, error)
}

// FFmpeg shells out to the ffmpeg binary
type FFmpeg struct {
	path    string
	timeout time.Duration
	tempDir string
	logger  *logrus.Logger
}

// NewFFmpeg creates a transcoder from media configuration
func NewFFmpeg(cfg *config.MediaConfig, logger *logrus.Logger) *FFmpeg {
	timeout := time.Duration(cfg.TranscodeTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FFmpeg{
		path:    cfg.FFmpegPath,
		timeout: timeout,
		tempDir: cfg.TempDir,
		logger:  logger,
	}
}

// Available reports whether the binary can be found
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.path)
	return err == nil
}

// ToWAV converts audio to 16 kHz mono PCM WAV. Temporary files are removed on every path.
func (f *FFmpeg) ToWAV(ctx context.Context, audio []byte, format string) ([]byte, error) {
	const op = "transcode"
	if len(audio) == 0 {
		return nil, errs.New(errs.KindValidation, op, "empty audio")
	}

	ws, err := NewWorkspace(f.tempDir)
	if err != nil {
		return nil, errs.Wrap(errs.KindTranscode, op, err)
	}
	defer ws.Cleanup()

	in, err := ws.Write(format, audio)
	if err != nil {
		return nil, errs.Wrap(errs.KindTranscode, op, err)
	}
	out := ws.Path("wav")

	runCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, f.path,
		"-y", "-i", in, "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1", out)
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, errs.Wrap(errs.KindTranscode, op, fmt.Errorf("ffmpeg not found at %q: %w", f.path, err))
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, errs.Wrap(errs.KindTranscode, op, fmt.Errorf("timed out after %s", f.timeout))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.logger.WithFields(logrus.Fields{
			"stderr": strings.TrimSpace(lastLines(stderr.String(), 5)),
		}).Error("ffmpeg failed")
		return nil, errs.Wrap(errs.KindTranscode, op, err)
	}

	wav, err := os.ReadFile(out)
	if err != nil {
		return nil, errs.Wrap(errs.KindTranscode, op, err)
	}
	if len(wav) == 0 {
		return nil, errs.New(errs.KindTranscode, op, "ffmpeg produced empty output")
	}

	f.logger.WithFields(logrus.Fields{
		"input_bytes":  len(audio),
		"output_bytes": len(wav),
		"duration":     time.Since(start),
	}).Debug("Audio converted")
	return wav, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Workspace is a private temp directory for one media job
type Workspace struct {
	dir string
}

// NewWorkspace creates a fresh directory under base (or the system temp dir)
func NewWorkspace(base string) (*Workspace, error) {
	dir, err := os.MkdirTemp(base, "tgbot-media-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory
func (w *Workspace) Dir() string {
	return w.dir
}

// Path returns a new unique file path with the given extension
func (w *Workspace) Path(ext string) string {
	return filepath.Join(w.dir, uuid.NewString()+"."+strings.TrimPrefix(ext, "."))
}

// Write stores data in a new file and returns its path
func (w *Workspace) Write(ext string, data []byte) (string, error) {
	p := w.Path(ext)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", filepath.Base(p), err)
	}
	return p, nil
}

// Cleanup removes the workspace and everything in it
func (w *Workspace) Cleanup() {
	_ = os.RemoveAll(w.dir)
}
