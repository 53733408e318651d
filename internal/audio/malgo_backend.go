package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/cyclerec/internal/config"
	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
)

// MalgoBackend drives the capture and playback devices natively through
// miniaudio. ffmpeg is only used as the AMR/3GP codec stage, fed over pipes.
type MalgoBackend struct {
	cfg config.AudioConfig
}

func NewMalgoBackend(cfg config.AudioConfig) *MalgoBackend {
	return &MalgoBackend{cfg: cfg}
}

func (b *MalgoBackend) GetType() BackendType {
	return BackendTypeMalgo
}

// ListSources returns the names of the capture devices miniaudio can see
func (b *MalgoBackend) ListSources() ([]string, error) {
	mctx, err := initMalgoContext()
	if err != nil {
		return nil, err
	}
	defer freeMalgoContext(mctx)

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	sources := make([]string, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if info.IsDefault != 0 {
			name += " (default)"
		}
		sources = append(sources, name)
	}
	return sources, nil
}

func initMalgoContext() (*malgo.AllocatedContext, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}
	return mctx, nil
}

func freeMalgoContext(mctx *malgo.AllocatedContext) {
	_ = mctx.Uninit()
	mctx.Free()
}

// pcmArgs describe the raw stream exchanged with the device
func pcmArgs() []string {
	return []string{"-f", "s16le", "-ar", strconv.Itoa(SampleRate), "-ac", strconv.Itoa(Channels)}
}

// OpenRecording captures PCM from the default input device and pipes it into
// an ffmpeg encoder writing targetPath.
func (b *MalgoBackend) OpenRecording(targetPath string) (RecordingSession, error) {
	if err := probeWritable(targetPath); err != nil {
		return nil, prepareError(OpRecord, targetPath, err)
	}

	ffmpeg, err := exec.LookPath(b.cfg.FFmpegPath)
	if err != nil {
		return nil, prepareError(OpRecord, targetPath, fmt.Errorf("ffmpeg not found: %w", err))
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, pcmArgs()...)
	args = append(args, "-i", "pipe:0")
	args = append(args, encoderArgs(targetPath)...)

	cmd := exec.Command(ffmpeg, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, prepareError(OpRecord, targetPath, fmt.Errorf("failed to create stdin pipe: %w", err))
	}

	encoder, err := startProcess("ffmpeg-encoder", cmd)
	if err != nil {
		return nil, prepareError(OpRecord, targetPath, err)
	}

	r := &malgoRecording{
		id:      uuid.NewString(),
		path:    targetPath,
		encoder: encoder,
		stdin:   stdin,
		frames:  make(chan []byte, 64),
		written: make(chan struct{}),
		backend: b,
	}
	go r.writeFrames()

	if err := encoder.awaitPrepared(b.cfg.PrepareTimeout, false); err != nil {
		r.release()
		return nil, prepareError(OpRecord, targetPath, err)
	}

	if err := r.startDevice(); err != nil {
		r.release()
		return nil, prepareError(OpRecord, targetPath, err)
	}

	slog.Info("Native capture started", "path", targetPath, "session_id", r.id)
	return r, nil
}

type malgoRecording struct {
	id      string
	path    string
	backend *MalgoBackend

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	encoder *process
	stdin   io.WriteCloser
	frames  chan []byte
	written chan struct{}
	stopped atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func (r *malgoRecording) ID() string   { return r.id }
func (r *malgoRecording) Path() string { return r.path }

func (r *malgoRecording) startDevice() error {
	mctx, err := initMalgoContext()
	if err != nil {
		return err
	}
	r.mctx = mctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.SampleRate = SampleRate

	onData := func(_, pcm []byte, _ uint32) {
		if r.stopped.Load() {
			return
		}
		// miniaudio reuses its buffer after the callback returns
		frame := make([]byte, len(pcm))
		copy(frame, pcm)
		select {
		case r.frames <- frame:
		default:
			slog.Warn("Encoder is falling behind, dropping frame", "session_id", r.id)
		}
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onData})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	r.device = device

	if err := device.Start(); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

// writeFrames feeds captured PCM to the encoder until frames is closed
func (r *malgoRecording) writeFrames() {
	defer close(r.written)
	var failed bool
	for frame := range r.frames {
		if failed {
			continue
		}
		if _, err := r.stdin.Write(frame); err != nil {
			slog.Error("Failed to write PCM to encoder", "session_id", r.id, "error", err)
			failed = true
		}
	}
}

// release tears down the device, then lets the encoder finish the file
func (r *malgoRecording) release() error {
	r.stopped.Store(true)
	if r.device != nil {
		if err := r.device.Stop(); err != nil {
			slog.Debug("Failed to stop capture device", "error", err)
		}
		r.device.Uninit()
	}
	if r.mctx != nil {
		freeMalgoContext(r.mctx)
	}

	close(r.frames)
	<-r.written
	r.stdin.Close()

	return r.encoder.wait(r.backend.cfg.StopTimeout)
}

func (r *malgoRecording) Close() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		if err := r.release(); !exitedNormally(err) {
			r.closeErr = fmt.Errorf("ffmpeg encoder failed: %w: %s", err, r.encoder.stderr.String())
		}
	})
	return r.closeErr
}

// OpenPlayback decodes sourcePath with ffmpeg and plays the PCM on the
// default output device. Completion fires once the decoder output is drained.
func (b *MalgoBackend) OpenPlayback(sourcePath string, onComplete func()) (PlaybackSession, error) {
	if err := ValidateContainer(sourcePath); err != nil {
		return nil, prepareError(OpPlay, sourcePath, err)
	}

	ffmpeg, err := exec.LookPath(b.cfg.FFmpegPath)
	if err != nil {
		return nil, prepareError(OpPlay, sourcePath, fmt.Errorf("ffmpeg not found: %w", err))
	}

	args := []string{"-hide_banner", "-nostdin", "-loglevel", "error", "-i", sourcePath}
	args = append(args, pcmArgs()...)
	args = append(args, "pipe:1")

	pr, pw := io.Pipe()
	cmd := exec.Command(ffmpeg, args...)
	cmd.Stdout = pw

	decoder, err := startProcess("ffmpeg-decoder", cmd)
	if err != nil {
		pr.Close()
		return nil, prepareError(OpPlay, sourcePath, err)
	}

	s := &malgoPlayback{
		id:      uuid.NewString(),
		path:    sourcePath,
		backend: b,
		decoder: decoder,
		pcm:     pr,
		chunks:  make(chan []byte, 32),
		eos:     make(chan struct{}),
		closing: make(chan struct{}),
	}

	go func() {
		<-decoder.done
		pw.Close()
	}()
	go s.readPCM()

	if err := decoder.awaitPrepared(b.cfg.PrepareTimeout, true); err != nil {
		s.release()
		return nil, prepareError(OpPlay, sourcePath, err)
	}

	if err := s.startDevice(); err != nil {
		s.release()
		return nil, prepareError(OpPlay, sourcePath, err)
	}

	go s.watch(onComplete)

	slog.Info("Native playback started", "path", sourcePath, "session_id", s.id)
	return s, nil
}

type malgoPlayback struct {
	id      string
	path    string
	backend *MalgoBackend

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	decoder *process
	pcm     *io.PipeReader
	chunks  chan []byte

	// only touched from the device callback
	pending []byte
	drained bool

	eos     chan struct{}
	eosOnce sync.Once

	mu        sync.Mutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
}

func (s *malgoPlayback) ID() string   { return s.id }
func (s *malgoPlayback) Path() string { return s.path }

// readPCM moves decoded audio from the pipe into chunks, closing it at EOF
func (s *malgoPlayback) readPCM() {
	defer close(s.chunks)
	for {
		buf := make([]byte, 3200) // 200ms of 8kHz mono s16
		n, err := io.ReadFull(s.pcm, buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.closing:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.ErrClosedPipe) {
				slog.Debug("Decoder output ended", "session_id", s.id, "error", err)
			}
			return
		}
	}
}

func (s *malgoPlayback) startDevice() error {
	mctx, err := initMalgoContext()
	if err != nil {
		return err
	}
	s.mctx = mctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = Channels
	deviceConfig.SampleRate = SampleRate

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: s.fill})
	if err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}
	return nil
}

// fill is the device callback; it never blocks on the decoder
func (s *malgoPlayback) fill(out, _ []byte, _ uint32) {
	filled := 0
	for filled < len(out) {
		if len(s.pending) == 0 {
			if s.drained {
				break
			}
			select {
			case chunk, ok := <-s.chunks:
				if !ok {
					s.drained = true
					continue
				}
				s.pending = chunk
			default:
			}
			if len(s.pending) == 0 {
				break
			}
		}
		n := copy(out[filled:], s.pending)
		s.pending = s.pending[n:]
		filled += n
	}

	// Silence for whatever the decoder could not supply
	for i := filled; i < len(out); i++ {
		out[i] = 0
	}

	if s.drained && len(s.pending) == 0 {
		s.eosOnce.Do(func() { close(s.eos) })
	}
}

// watch fires onComplete once when the stream drains before Close
func (s *malgoPlayback) watch(onComplete func()) {
	select {
	case <-s.eos:
	case <-s.closing:
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if err := s.decoder.wait(s.backend.cfg.StopTimeout); !exitedNormally(err) {
		slog.Warn("Decoder exited with error", "session_id", s.id, "error", err, "output", s.decoder.stderr.String())
	}
	slog.Debug("Playback reached end of stream", "session_id", s.id)
	if onComplete != nil {
		onComplete()
	}
}

func (s *malgoPlayback) release() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.closing)

	if s.device != nil {
		if err := s.device.Stop(); err != nil {
			slog.Debug("Failed to stop playback device", "error", err)
		}
		s.device.Uninit()
	}
	if s.mctx != nil {
		freeMalgoContext(s.mctx)
	}

	s.pcm.CloseWithError(io.ErrClosedPipe)
	s.decoder.kill()
}

func (s *malgoPlayback) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(s.release)
	return nil
}
