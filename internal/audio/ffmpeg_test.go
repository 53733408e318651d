package audio

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/audiolibrelab/cyclerec/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Stand-in for ffmpeg: writes the last argument, then runs until interrupted
const fakeCapture = `#!/bin/sh
for last; do :; done
printf 'recorded' > "$last"
trap 'exit 255' INT TERM
while :; do sleep 0.05; done
`

const fakeBusyDevice = `#!/bin/sh
echo "pulse: device busy" >&2
exit 1
`

const fakeShortClip = `#!/bin/sh
exit 0
`

const fakeLongClip = `#!/bin/sh
trap 'exit 0' INT TERM
while :; do sleep 0.05; done
`

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stand-ins need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func execCommand(t *testing.T, body string) *exec.Cmd {
	t.Helper()
	return exec.Command(writeScript(t, "script.sh", body))
}

func testAudioConfig() config.AudioConfig {
	cfg := config.Default().Audio
	cfg.PrepareTimeout = 200 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second
	return cfg
}

func TestFFmpegRecording_OpenAndClose(t *testing.T) {
	cfg := testAudioConfig()
	cfg.FFmpegPath = writeScript(t, "ffmpeg", fakeCapture)
	backend := NewFFmpegBackend(cfg)

	target := filepath.Join(t.TempDir(), "a.3gp")
	session, err := backend.OpenRecording(target)
	require.NoError(t, err)
	require.NotNil(t, session)

	assert.Equal(t, target, session.Path())
	assert.NotEmpty(t, session.ID())

	require.NoError(t, session.Close())
	// Idempotent
	require.NoError(t, session.Close())

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "recorded", string(data))
}

func TestFFmpegRecording_UnwritableTarget(t *testing.T) {
	cfg := testAudioConfig()
	cfg.FFmpegPath = writeScript(t, "ffmpeg", fakeCapture)
	backend := NewFFmpegBackend(cfg)

	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	session, err := backend.OpenRecording(filepath.Join(blocker, "a.3gp"))
	require.Error(t, err)
	assert.True(t, IsPrepareError(err))
	assert.Nil(t, session)
}

func TestFFmpegRecording_DeviceFailsDuringPrepare(t *testing.T) {
	cfg := testAudioConfig()
	cfg.FFmpegPath = writeScript(t, "ffmpeg", fakeBusyDevice)
	backend := NewFFmpegBackend(cfg)

	session, err := backend.OpenRecording(filepath.Join(t.TempDir(), "a.3gp"))
	require.Error(t, err)
	assert.True(t, IsPrepareError(err))
	assert.Contains(t, err.Error(), "device busy")
	assert.Nil(t, session)
}

func TestFFmpegRecording_MissingBinary(t *testing.T) {
	cfg := testAudioConfig()
	cfg.FFmpegPath = filepath.Join(t.TempDir(), "no-such-ffmpeg")
	backend := NewFFmpegBackend(cfg)

	_, err := backend.OpenRecording(filepath.Join(t.TempDir(), "a.3gp"))
	assert.True(t, IsPrepareError(err))
}

func TestFFmpegRecording_NilSessionCloseIsSafe(t *testing.T) {
	var r *ffmpegRecording
	assert.NoError(t, r.Close())

	var p *playerPlayback
	assert.NoError(t, p.Close())
}

func TestPlayerPlayback_CompletionFiresOnce(t *testing.T) {
	cfg := testAudioConfig()
	cfg.Players = []string{writeScript(t, "fakeplay", fakeShortClip)}
	backend := NewFFmpegBackend(cfg)

	source := filepath.Join(t.TempDir(), "a.3gp")
	writeFakeRecording(t, source)

	var completions atomic.Int32
	done := make(chan struct{})
	session, err := backend.OpenPlayback(source, func() {
		if completions.Add(1) == 1 {
			close(done)
		}
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback did not fire")
	}

	require.NoError(t, session.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), completions.Load())
}

func TestPlayerPlayback_CloseSuppressesCompletion(t *testing.T) {
	cfg := testAudioConfig()
	cfg.Players = []string{writeScript(t, "fakeplay", fakeLongClip)}
	backend := NewFFmpegBackend(cfg)

	source := filepath.Join(t.TempDir(), "a.3gp")
	writeFakeRecording(t, source)

	var completions atomic.Int32
	session, err := backend.OpenPlayback(source, func() { completions.Add(1) })
	require.NoError(t, err)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, completions.Load())
}

func TestPlayerPlayback_PrepareErrors(t *testing.T) {
	cfg := testAudioConfig()
	cfg.Players = []string{writeScript(t, "fakeplay", fakeShortClip)}
	backend := NewFFmpegBackend(cfg)
	dir := t.TempDir()

	t.Run("missing source", func(t *testing.T) {
		_, err := backend.OpenPlayback(filepath.Join(dir, "missing.3gp"), nil)
		assert.True(t, IsPrepareError(err))
	})

	t.Run("not a 3gp file", func(t *testing.T) {
		source := filepath.Join(dir, "notes.txt")
		require.NoError(t, os.WriteFile(source, []byte("hello, this is text"), 0644))
		_, err := backend.OpenPlayback(source, nil)
		assert.True(t, IsPrepareError(err))
	})

	t.Run("no player installed", func(t *testing.T) {
		source := filepath.Join(dir, "a.3gp")
		writeFakeRecording(t, source)

		cfg := testAudioConfig()
		cfg.Players = []string{filepath.Join(dir, "no-such-player")}
		_, err := NewFFmpegBackend(cfg).OpenPlayback(source, nil)
		assert.True(t, IsPrepareError(err))
		assert.Contains(t, err.Error(), "no audio player found")
	})

	t.Run("player fails during prepare", func(t *testing.T) {
		source := filepath.Join(dir, "b.3gp")
		writeFakeRecording(t, source)

		cfg := testAudioConfig()
		cfg.Players = []string{writeScript(t, "fakeplay", fakeBusyDevice)}
		var called atomic.Bool
		_, err := NewFFmpegBackend(cfg).OpenPlayback(source, func() { called.Store(true) })
		assert.True(t, IsPrepareError(err))

		time.Sleep(50 * time.Millisecond)
		assert.False(t, called.Load())
	})
}

func TestExitedNormally(t *testing.T) {
	assert.True(t, exitedNormally(nil))

	p, err := startProcess("sh", execCommand(t, fakeBusyDevice))
	require.NoError(t, err)
	<-p.done
	assert.False(t, exitedNormally(p.err))
	assert.Contains(t, p.stderr.String(), "device busy")

	p, err = startProcess("sh", execCommand(t, fakeLongClip))
	require.NoError(t, err)
	p.kill()
	assert.True(t, exitedNormally(p.err))
}
