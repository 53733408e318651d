package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/audiolibrelab/cyclerec/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfg          *config.Config
	cfgFile      string
	logFile      string
	verboseLevel int

	// logRotator is the open log file, if any
	logRotator *lumberjack.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cyclerec",
	Short: "Single-button audio recorder and player",
	Long: `cyclerec drives one audio file with one control. Each press moves
through a fixed cycle:

  record -> stop recording -> play -> stop playing -> record

Recordings are AMR narrow-band audio in a 3GP container. Playback returns to
"record" by itself when the clip ends.

Without a subcommand it acts as 'cyclerec run'.`,
	Args: cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Logging to stderr until the config says otherwise
		setupLogging(verboseLevel, nil)

		// config init must work even when the existing file is broken
		if cmd.Name() == "init" {
			return nil
		}

		if cfgFile == "" {
			cfgFile = defaultConfigPath()
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if logFile != "" {
			cfg.Log.File = logFile
		}
		if cfg.Log.File != "" {
			logRotator = &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
			}
			setupLogging(verboseLevel, logRotator)
		}

		slog.Debug("Configuration loaded", "config", cfgFile, "backend", cfg.Audio.Backend, "path", cfg.TargetPath())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logRotator != nil {
			logRotator.Close()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/cyclerec.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file, rotated (overrides log.file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug (includes ffmpeg and player output)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(infoCmd)
}

func defaultConfigPath() string {
	return os.ExpandEnv("$HOME/.config/cyclerec.yaml")
}

// setupLogging configures slog based on the verbose level. When file is set,
// records go to both stderr and file.
func setupLogging(level int, file io.Writer) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if file != nil {
		out = io.MultiWriter(os.Stderr, file)
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(out, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
}
