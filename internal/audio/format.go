package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// The recording format is fixed so that whatever the record step writes the
// play step can read: AMR narrow-band speech in a 3GP container.
const (
	SampleRate   = 8000
	Channels     = 1
	AudioCodec   = "libopencore_amrnb"
	AudioBitrate = "12.2k"
	Container    = "3gp"
)

// ValidateContainer checks that path holds an ISO-BMFF file with a 3GPP brand.
func ValidateContainer(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, 12)
	n, err := io.ReadFull(f, header)
	if err != nil {
		if n == 0 {
			return fmt.Errorf("%s is empty", path)
		}
		return fmt.Errorf("%s is too short to be a %s file (%d bytes)", path, Container, n)
	}

	if !bytes.Equal(header[4:8], []byte("ftyp")) {
		return fmt.Errorf("%s is not a %s file: missing ftyp box", path, Container)
	}
	// 3gp4, 3gp5, 3gp6, 3g2a ...
	if !bytes.HasPrefix(header[8:12], []byte("3g")) {
		return fmt.Errorf("%s is not a %s file: brand %q", path, Container, header[8:12])
	}
	return nil
}

// probeWritable makes sure the recorder will be able to create path.
// The file is truncated, so a stale recording never survives a failed start.
func probeWritable(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("output file is not writable: %w", err)
	}
	return f.Close()
}

// encoderArgs are the ffmpeg output options shared by every capture path
func encoderArgs(targetPath string) []string {
	return []string{
		"-ac", strconv.Itoa(Channels),
		"-ar", strconv.Itoa(SampleRate),
		"-c:a", AudioCodec,
		"-b:a", AudioBitrate,
		"-f", Container,
		"-y", // Overwrite output
		targetPath,
	}
}
