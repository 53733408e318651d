package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// OpenPlayback plays sourcePath with the first available external player.
// The player exiting on its own is the end-of-stream notification.
func (b *FFmpegBackend) OpenPlayback(sourcePath string, onComplete func()) (PlaybackSession, error) {
	if err := ValidateContainer(sourcePath); err != nil {
		return nil, prepareError(OpPlay, sourcePath, err)
	}

	player, playerPath, err := findAudioPlayer(b.cfg.Players)
	if err != nil {
		return nil, prepareError(OpPlay, sourcePath, err)
	}

	cmd := exec.Command(playerPath, playerArgs(player, sourcePath)...)
	p, err := startProcess(player, cmd)
	if err != nil {
		return nil, prepareError(OpPlay, sourcePath, err)
	}

	// A very short clip may legitimately finish inside the prepare window
	if err := p.awaitPrepared(b.cfg.PrepareTimeout, true); err != nil {
		p.kill()
		return nil, prepareError(OpPlay, sourcePath, err)
	}

	s := &playerPlayback{
		id:      uuid.NewString(),
		path:    sourcePath,
		proc:    p,
		backend: b,
		closing: make(chan struct{}),
	}
	go s.watch(onComplete)

	slog.Info("Playback started", "player", player, "path", sourcePath, "session_id", s.id)
	return s, nil
}

// findAudioPlayer returns the first configured player found on PATH
func findAudioPlayer(players []string) (name, path string, err error) {
	for _, player := range players {
		if p, err := exec.LookPath(player); err == nil {
			return playerName(player), p, nil
		}
	}

	return "", "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

func playerName(player string) string {
	base := filepath.Base(player)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// playerArgs builds arguments that make each player exit at end of stream
func playerArgs(player, sourcePath string) []string {
	switch player {
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "error", sourcePath}
	case "mpv":
		return []string{"--no-video", "--really-quiet", sourcePath}
	case "vlc", "cvlc":
		return []string{"--intf", "dummy", "--play-and-exit", sourcePath}
	default:
		return []string{sourcePath}
	}
}

type playerPlayback struct {
	id      string
	path    string
	proc    *process
	backend *FFmpegBackend

	mu        sync.Mutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
}

func (s *playerPlayback) ID() string   { return s.id }
func (s *playerPlayback) Path() string { return s.path }

// watch fires onComplete once if the player exits before Close is called
func (s *playerPlayback) watch(onComplete func()) {
	select {
	case <-s.proc.done:
	case <-s.closing:
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if !exitedNormally(s.proc.err) {
		slog.Warn("Player exited with error", "session_id", s.id, "error", s.proc.err, "output", s.proc.stderr.String())
	}
	slog.Debug("Playback reached end of stream", "session_id", s.id)
	if onComplete != nil {
		onComplete()
	}
}

// Close stops the player if it is still running
func (s *playerPlayback) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.closing)

		if err := s.proc.interrupt(s.backend.cfg.StopTimeout); err != nil {
			slog.Debug("Player stopped", "session_id", s.id, "status", err)
		}
	})
	return nil
}
