package audio

import (
	"strings"

	"github.com/audiolibrelab/cyclerec/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeFFmpeg BackendType = "ffmpeg"
	BackendTypeMalgo  BackendType = "malgo"
	BackendTypeAuto   BackendType = "auto"
)

// Backend opens recording and playback sessions on some audio device layer.
//
// Failed opens return a nil session and a *PrepareError after releasing
// whatever they acquired. OnComplete is invoked at most once, from a backend
// goroutine, when playback reaches the end of the stream. It is never invoked
// from inside OpenPlayback, but may race with a concurrent Close, so callers
// must tolerate a late notification for a session they already released.
type Backend interface {
	OpenRecording(targetPath string) (RecordingSession, error)
	OpenPlayback(sourcePath string, onComplete func()) (PlaybackSession, error)

	// List available capture sources
	ListSources() ([]string, error)

	// Get the backend type
	GetType() BackendType
}

// NewBackend creates the backend selected by configuration
func NewBackend(cfg *config.Config) Backend {
	switch determineBackend(cfg) {
	case BackendTypeMalgo:
		return NewMalgoBackend(cfg.Audio)
	default:
		return NewFFmpegBackend(cfg.Audio)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Audio.Backend) {
	case "malgo":
		return BackendTypeMalgo
	case "ffmpeg":
		return BackendTypeFFmpeg
	case "auto":
		// ffmpeg needs no native audio libraries at runtime
		return BackendTypeFFmpeg
	}
	return BackendTypeFFmpeg
}

// GetAvailableBackends returns the backends compiled into this binary
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeFFmpeg, BackendTypeMalgo}
}
