package cycle

// Mode is the controller's position in the four-step action cycle
type Mode string

const (
	ModeReadyToRecord Mode = "READY_TO_RECORD"
	ModeRecording     Mode = "RECORDING"
	ModeReadyToPlay   Mode = "READY_TO_PLAY"
	ModePlaying       Mode = "PLAYING"
)

// Next returns the mode the single control advances to.
// The cycle has no terminal mode.
func (m Mode) Next() Mode {
	switch m {
	case ModeReadyToRecord:
		return ModeRecording
	case ModeRecording:
		return ModeReadyToPlay
	case ModeReadyToPlay:
		return ModePlaying
	default:
		return ModeReadyToRecord
	}
}

func (m Mode) Valid() bool {
	switch m {
	case ModeReadyToRecord, ModeRecording, ModeReadyToPlay, ModePlaying:
		return true
	}
	return false
}

// Output is what the host view renders: a status label and its paired icon
type Output struct {
	Label string `json:"label"`
	Icon  string `json:"icon"`
}

const (
	LabelRecord        = "record"
	LabelStopRecording = "stop recording"
	LabelPlay          = "play"
	LabelStopPlaying   = "stop playing"
)

var outputs = map[Mode]Output{
	ModeReadyToRecord: {Label: LabelRecord, Icon: "ic_audio_record"},
	ModeRecording:     {Label: LabelStopRecording, Icon: "ic_audio_stop_record"},
	ModeReadyToPlay:   {Label: LabelPlay, Icon: "ic_audio_play"},
	ModePlaying:       {Label: LabelStopPlaying, Icon: "ic_audio_stop_play"},
}

// OutputFor returns the label and icon shown while in mode m
func OutputFor(m Mode) Output {
	return outputs[m]
}
