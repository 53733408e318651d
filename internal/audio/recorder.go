package audio

// RecordingSession is an open, exclusively owned capture device writing to one file.
type RecordingSession interface {
	ID() string
	Path() string

	// Close stops capture and releases the device. Safe to call more than once.
	Close() error
}

// PlaybackSession is an open, exclusively owned output device reading one file.
type PlaybackSession interface {
	ID() string
	Path() string

	// Close stops playback and releases the device. Safe to call more than once.
	Close() error
}
