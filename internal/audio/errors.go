package audio

import (
	"errors"
	"fmt"
)

const (
	OpRecord = "record"
	OpPlay   = "play"
)

// PrepareError reports that a capture or playback device could not be
// configured, prepared or started. Permission, storage and busy-device
// problems all surface as a PrepareError.
type PrepareError struct {
	Op   string // OpRecord or OpPlay
	Path string
	Err  error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("prepare %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PrepareError) Unwrap() error {
	return e.Err
}

// IsPrepareError reports whether err is or wraps a *PrepareError.
func IsPrepareError(err error) bool {
	var pe *PrepareError
	return errors.As(err, &pe)
}

func prepareError(op, path string, err error) error {
	return &PrepareError{Op: op, Path: path, Err: err}
}
