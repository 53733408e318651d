package cmd

import (
	"fmt"

	"github.com/audiolibrelab/cyclerec/internal/audio"
	"github.com/audiolibrelab/cyclerec/internal/service"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the recording file and the resolved audio setup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg)
		defer svc.Close()

		target, err := svc.GetTargetInfo()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "=== RECORDING FILE ===\n")
		fmt.Fprintf(out, "path: %s\n", target.Path)
		if target.Exists {
			fmt.Fprintf(out, "size: %s\n", target.SizeHuman)
			fmt.Fprintf(out, "modified: %s\n", target.ModTimeHuman)
			fmt.Fprintf(out, "playable: %t\n", target.Playable)
		} else {
			fmt.Fprintf(out, "exists: false\n")
		}

		fmt.Fprintf(out, "\n=== AUDIO ===\n")
		fmt.Fprintf(out, "backend: %s (configured: %s)\n", svc.GetBackendType(), cfg.Audio.Backend)
		fmt.Fprintf(out, "available backends: %v\n", audio.GetAvailableBackends())
		fmt.Fprintf(out, "format: AMR-NB %d Hz, %d channel, %s in %s\n",
			audio.SampleRate, audio.Channels, audio.AudioBitrate, audio.Container)
		fmt.Fprintf(out, "input: -f %s -i %s\n", cfg.Audio.InputFormat, cfg.Audio.InputDevice)
		fmt.Fprintf(out, "players: %v\n", cfg.Audio.Players)

		fmt.Fprintf(out, "\n=== SERVER ===\n")
		fmt.Fprintf(out, "port: %s\n", cfg.Server.Port)
		fmt.Fprintf(out, "suspend_on_disconnect: %t\n", cfg.Server.SuspendOnDisconnect)

		return nil
	},
}
