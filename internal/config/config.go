package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. CYCLEREC_AUDIO_BACKEND.
const EnvPrefix = "CYCLEREC"

// RecordingExtension is the only file extension the recorder writes.
const RecordingExtension = ".3gp"

type Config struct {
	Audio  AudioConfig  `mapstructure:"audio" yaml:"audio"`
	Output OutputConfig `mapstructure:"output" yaml:"output"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type AudioConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"`           // "ffmpeg", "malgo", "auto"
	InputFormat    string        `mapstructure:"input_format" yaml:"input_format"` // ffmpeg -f value for capture
	InputDevice    string        `mapstructure:"input_device" yaml:"input_device"` // ffmpeg -i value for capture
	FFmpegPath     string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	Players        []string      `mapstructure:"players" yaml:"players"` // playback commands, in order of preference
	PrepareTimeout time.Duration `mapstructure:"prepare_timeout" yaml:"prepare_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	FileName  string `mapstructure:"file_name" yaml:"file_name"`
}

type ServerConfig struct {
	Port                string `mapstructure:"port" yaml:"port"`
	SuspendOnDisconnect bool   `mapstructure:"suspend_on_disconnect" yaml:"suspend_on_disconnect"`
}

type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	inputFormat, inputDevice := defaultInput()
	return &Config{
		Audio: AudioConfig{
			Backend:        "auto",
			InputFormat:    inputFormat,
			InputDevice:    inputDevice,
			FFmpegPath:     "ffmpeg",
			Players:        []string{"ffplay", "mpv", "vlc"},
			PrepareTimeout: 300 * time.Millisecond,
			StopTimeout:    5 * time.Second,
		},
		Output: OutputConfig{
			Directory: filepath.Join(os.Getenv("HOME"), "Audio", "cyclerec"),
			FileName:  "audiorecorder" + RecordingExtension,
		},
		Server: ServerConfig{
			Port:                "8080",
			SuspendOnDisconnect: true,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// defaultInput picks the ffmpeg capture input for the current platform
func defaultInput() (format, device string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=Microphone"
	default:
		return "pulse", "default"
	}
}

// Load reads configFile on top of the defaults. A missing file is not an error.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
			slog.Debug("Config file not found, using defaults", "config", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Log.File = expandPath(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so env overrides reach nested fields
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("audio.backend", d.Audio.Backend)
	v.SetDefault("audio.input_format", d.Audio.InputFormat)
	v.SetDefault("audio.input_device", d.Audio.InputDevice)
	v.SetDefault("audio.ffmpeg_path", d.Audio.FFmpegPath)
	v.SetDefault("audio.players", d.Audio.Players)
	v.SetDefault("audio.prepare_timeout", d.Audio.PrepareTimeout)
	v.SetDefault("audio.stop_timeout", d.Audio.StopTimeout)
	v.SetDefault("output.directory", d.Output.Directory)
	v.SetDefault("output.file_name", d.Output.FileName)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.suspend_on_disconnect", d.Server.SuspendOnDisconnect)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// TargetPath is the single file used as recording sink and playback source.
func (c *Config) TargetPath() string {
	return filepath.Join(c.Output.Directory, c.Output.FileName)
}

// Validate checks the configuration for values the recorder cannot work with
func (c *Config) Validate() error {
	switch strings.ToLower(c.Audio.Backend) {
	case "", "auto", "ffmpeg", "malgo":
	default:
		return fmt.Errorf("audio.backend must be 'auto', 'ffmpeg' or 'malgo', got: %s", c.Audio.Backend)
	}

	if c.Audio.FFmpegPath == "" {
		return fmt.Errorf("audio.ffmpeg_path is required")
	}
	if c.Audio.PrepareTimeout <= 0 {
		return fmt.Errorf("audio.prepare_timeout must be positive, got: %s", c.Audio.PrepareTimeout)
	}
	if c.Audio.StopTimeout <= 0 {
		return fmt.Errorf("audio.stop_timeout must be positive, got: %s", c.Audio.StopTimeout)
	}

	if strings.TrimSpace(c.Output.Directory) == "" {
		return fmt.Errorf("output.directory is required")
	}
	if c.Output.FileName == "" {
		return fmt.Errorf("output.file_name is required")
	}
	if filepath.Base(c.Output.FileName) != c.Output.FileName {
		return fmt.Errorf("output.file_name must be a plain file name, got: %s", c.Output.FileName)
	}
	if !strings.EqualFold(filepath.Ext(c.Output.FileName), RecordingExtension) {
		return fmt.Errorf("output.file_name must end with %s, got: %s", RecordingExtension, c.Output.FileName)
	}

	port, err := strconv.Atoi(c.Server.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("server.port must be a number between 1 and 65535, got: %s", c.Server.Port)
	}

	return nil
}

// WriteDefault writes the default configuration as YAML to configFile.
// Existing files are left alone unless overwrite is set.
func WriteDefault(configFile string, overwrite bool) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}
	if _, err := os.Stat(configFile); err == nil && !overwrite {
		return fmt.Errorf("config file %s already exists", configFile)
	}

	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, out, 0644); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
