package audio

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/audiolibrelab/cyclerec/internal/config"
	"github.com/google/uuid"
)

// FFmpegBackend captures with an ffmpeg child process and plays back with an
// external player (ffplay, mpv or vlc).
type FFmpegBackend struct {
	cfg config.AudioConfig
}

// NewFFmpegBackend creates a new ffmpeg-based backend
func NewFFmpegBackend(cfg config.AudioConfig) *FFmpegBackend {
	return &FFmpegBackend{cfg: cfg}
}

// GetType returns the backend type
func (b *FFmpegBackend) GetType() BackendType {
	return BackendTypeFFmpeg
}

// OpenRecording starts capturing from the configured input into targetPath
func (b *FFmpegBackend) OpenRecording(targetPath string) (RecordingSession, error) {
	if err := probeWritable(targetPath); err != nil {
		return nil, prepareError(OpRecord, targetPath, err)
	}

	ffmpeg, err := exec.LookPath(b.cfg.FFmpegPath)
	if err != nil {
		return nil, prepareError(OpRecord, targetPath, fmt.Errorf("ffmpeg not found: %w", err))
	}

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", "error",
		"-f", b.cfg.InputFormat,
		"-i", b.cfg.InputDevice,
	}
	args = append(args, encoderArgs(targetPath)...)

	slog.Info("Starting ffmpeg capture", "command", ffmpeg+" "+strings.Join(args, " "))

	p, err := startProcess("ffmpeg", exec.Command(ffmpeg, args...))
	if err != nil {
		return nil, prepareError(OpRecord, targetPath, err)
	}

	if err := p.awaitPrepared(b.cfg.PrepareTimeout, false); err != nil {
		p.kill()
		return nil, prepareError(OpRecord, targetPath, err)
	}

	return &ffmpegRecording{
		id:      uuid.NewString(),
		path:    targetPath,
		proc:    p,
		backend: b,
	}, nil
}

// ListSources returns capture sources for the configured ffmpeg input format
func (b *FFmpegBackend) ListSources() ([]string, error) {
	switch b.cfg.InputFormat {
	case "pulse":
		return listPulseSources()
	default:
		return nil, fmt.Errorf("listing sources is not supported for input format %q", b.cfg.InputFormat)
	}
}

// listPulseSources returns PulseAudio/PipeWire source names usable as input_device
func listPulseSources() ([]string, error) {
	cmd := exec.Command("pactl", "list", "short", "sources")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list PulseAudio sources: %w", err)
	}
	return parsePulseSources(string(output)), nil
}

// parsePulseSources extracts the name column from `pactl list short sources`
func parsePulseSources(output string) []string {
	var sources []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		sources = append(sources, fields[1])
	}
	return sources
}

type ffmpegRecording struct {
	id      string
	path    string
	proc    *process
	backend *FFmpegBackend

	closeOnce sync.Once
	closeErr  error
}

func (r *ffmpegRecording) ID() string   { return r.id }
func (r *ffmpegRecording) Path() string { return r.path }

// Close stops ffmpeg so it finalizes the container
func (r *ffmpegRecording) Close() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		slog.Debug("Stopping ffmpeg capture", "session_id", r.id)

		exitErr := r.proc.interrupt(r.backend.cfg.StopTimeout)
		if !exitedNormally(exitErr) {
			r.closeErr = fmt.Errorf("ffmpeg capture failed: %w: %s", exitErr, r.proc.stderr.String())
			return
		}

		if info, err := os.Stat(r.path); err != nil || info.Size() == 0 {
			slog.Warn("Recording file is empty", "path", r.path)
		} else {
			slog.Debug("Recording file written", "path", r.path, "size", info.Size())
		}
	})
	return r.closeErr
}
