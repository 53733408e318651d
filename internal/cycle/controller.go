package cycle

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/cyclerec/internal/audio"
)

// Snapshot is a consistent view of the controller after a change
type Snapshot struct {
	Mode       Mode   `json:"mode"`
	Output     Output `json:"output"`
	TargetPath string `json:"target_path"`
	Recording  bool   `json:"recording"`
	Playing    bool   `json:"playing"`
	SessionID  string `json:"session_id,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Version    uint64 `json:"version"`
}

// Controller turns activations of a single control into record, stop,
// play and stop actions. It exclusively owns at most one open session.
//
// Activate, playback completion and Suspend may be called from different
// goroutines; one mutex guards the mode together with the session handles.
type Controller struct {
	targetPath string
	backend    audio.Backend

	mu          sync.Mutex
	mode        Mode
	recording   audio.RecordingSession
	playback    audio.PlaybackSession
	playbackGen uint64
	lastError   string
	version     uint64

	notifyMu     sync.Mutex
	subscriberMu sync.Mutex
	subscribers  map[int]func(Snapshot)
	nextSubID    int
}

// New initializes a controller in ReadyToRecord with no open session.
// targetPath is the recording sink and playback source for the controller's lifetime.
func New(targetPath string, backend audio.Backend) *Controller {
	return &Controller{
		targetPath:  targetPath,
		backend:     backend,
		mode:        ModeReadyToRecord,
		subscribers: make(map[int]func(Snapshot)),
	}
}

// Activate performs the action for the current mode and advances the cycle.
//
// If a device cannot be prepared the mode is kept, no session is held and the
// *audio.PrepareError is returned; a nil error always means the mode advanced.
// Failures while releasing a device are logged and reported in
// Snapshot.LastError without blocking the transition.
func (c *Controller) Activate() (Snapshot, error) {
	c.mu.Lock()

	from := c.mode
	c.lastError = ""

	var err error
	switch from {
	case ModeReadyToRecord:
		err = c.startRecording()
	case ModeRecording:
		c.setReleaseError(c.stopRecording())
	case ModeReadyToPlay:
		err = c.startPlaying()
	case ModePlaying:
		c.setReleaseError(c.stopPlaying())
	}

	if err != nil {
		c.lastError = err.Error()
		c.version++
		snap := c.snapshotLocked()
		c.publishAndUnlock(snap)

		slog.Error("Action failed, mode unchanged", "mode", from, "error", err)
		return snap, fmt.Errorf("%s: %w", actionName(from), err)
	}

	c.mode = from.Next()
	c.version++
	snap := c.snapshotLocked()
	c.publishAndUnlock(snap)

	slog.Info("Mode changed", "mode", from, "next_mode", snap.Mode, "label", snap.Output.Label)
	return snap, nil
}

// OnPlaybackCompleted ends playback as if the user had pressed stop.
// It is a no-op unless the controller is Playing.
func (c *Controller) OnPlaybackCompleted() {
	c.mu.Lock()
	if mode := c.mode; mode != ModePlaying {
		c.mu.Unlock()
		slog.Debug("Ignoring playback completion", "mode", mode)
		return
	}
	c.completePlaybackLocked()
}

// playbackFinished is the completion callback bound to one playback session
func (c *Controller) playbackFinished(gen uint64) {
	c.mu.Lock()
	if c.mode != ModePlaying || c.playback == nil || c.playbackGen != gen {
		c.mu.Unlock()
		slog.Debug("Ignoring completion from released playback session")
		return
	}
	c.completePlaybackLocked()
}

func (c *Controller) completePlaybackLocked() {
	c.lastError = ""
	c.setReleaseError(c.stopPlaying())
	c.mode = ModeReadyToRecord
	c.version++
	snap := c.snapshotLocked()
	c.publishAndUnlock(snap)

	slog.Info("Playback completed", "mode", ModePlaying, "next_mode", snap.Mode, "label", snap.Output.Label)
}

// Suspend releases any open session without touching the mode or the
// outputs. It is safe to call at any time, any number of times.
func (c *Controller) Suspend() {
	c.mu.Lock()

	if c.recording == nil && c.playback == nil {
		c.mu.Unlock()
		return
	}

	c.lastError = ""
	if c.recording != nil {
		c.setReleaseError(c.stopRecording())
	}
	if c.playback != nil {
		c.setReleaseError(c.stopPlaying())
	}

	c.version++
	snap := c.snapshotLocked()
	c.publishAndUnlock(snap)

	slog.Info("Suspended, devices released", "mode", snap.Mode)
}

// Snapshot returns the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Mode returns the current mode
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// TargetPath returns the fixed recording sink and playback source
func (c *Controller) TargetPath() string {
	return c.targetPath
}

// Subscribe registers fn to receive every snapshot published after a change,
// in order. fn must not call Activate, Suspend or OnPlaybackCompleted.
func (c *Controller) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.subscriberMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.subscriberMu.Unlock()

	return func() {
		c.subscriberMu.Lock()
		delete(c.subscribers, id)
		c.subscriberMu.Unlock()
	}
}

func (c *Controller) startRecording() error {
	c.releaseStray()

	session, err := c.backend.OpenRecording(c.targetPath)
	if err != nil {
		return err
	}
	c.recording = session

	slog.Info("Recording started", "path", c.targetPath, "session_id", session.ID())
	return nil
}

func (c *Controller) stopRecording() error {
	if c.recording == nil {
		slog.Debug("No recording session to release")
		return nil
	}

	session := c.recording
	c.recording = nil
	if err := session.Close(); err != nil {
		return fmt.Errorf("release recording %s: %w", session.ID(), err)
	}

	slog.Info("Recording stopped", "path", session.Path(), "session_id", session.ID())
	return nil
}

func (c *Controller) startPlaying() error {
	c.releaseStray()

	c.playbackGen++
	gen := c.playbackGen
	session, err := c.backend.OpenPlayback(c.targetPath, func() { c.playbackFinished(gen) })
	if err != nil {
		return err
	}
	c.playback = session

	slog.Info("Playback started", "path", c.targetPath, "session_id", session.ID())
	return nil
}

func (c *Controller) stopPlaying() error {
	if c.playback == nil {
		slog.Debug("No playback session to release")
		return nil
	}

	session := c.playback
	c.playback = nil
	if err := session.Close(); err != nil {
		return fmt.Errorf("release playback %s: %w", session.ID(), err)
	}

	slog.Info("Playback stopped", "path", session.Path(), "session_id", session.ID())
	return nil
}

// releaseStray closes any session still open before a new one is opened,
// keeping recording and playback mutually exclusive.
func (c *Controller) releaseStray() {
	if c.recording != nil {
		c.setReleaseError(c.stopRecording())
	}
	if c.playback != nil {
		c.setReleaseError(c.stopPlaying())
	}
}

func (c *Controller) setReleaseError(err error) {
	if err != nil {
		slog.Error("Failed to release device", "error", err)
		c.lastError = err.Error()
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		Mode:       c.mode,
		Output:     OutputFor(c.mode),
		TargetPath: c.targetPath,
		Recording:  c.recording != nil,
		Playing:    c.playback != nil,
		LastError:  c.lastError,
		Version:    c.version,
	}
	switch {
	case c.recording != nil:
		snap.SessionID = c.recording.ID()
	case c.playback != nil:
		snap.SessionID = c.playback.ID()
	}
	return snap
}

// publishAndUnlock releases c.mu and delivers snap to subscribers. notifyMu is
// taken before c.mu is released so snapshots are delivered in version order.
func (c *Controller) publishAndUnlock(snap Snapshot) {
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	c.subscriberMu.Lock()
	subscribers := make([]func(Snapshot), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subscribers = append(subscribers, fn)
	}
	c.subscriberMu.Unlock()

	for _, fn := range subscribers {
		fn(snap)
	}
}

func actionName(m Mode) string {
	switch m {
	case ModeReadyToRecord:
		return "start recording"
	case ModeRecording:
		return "stop recording"
	case ModeReadyToPlay:
		return "start playing"
	default:
		return "stop playing"
	}
}
