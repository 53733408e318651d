package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/cyclerec/internal/service"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"sources"},
	Short:   "List available capture devices",
	Long: `List the capture devices the configured backend can record from.

With the ffmpeg backend on Linux these are PulseAudio/PipeWire source names,
usable as audio.input_device. With the malgo backend they are the native
capture devices, the default one marked with *.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg)
		defer svc.Close()

		sources, err := svc.ListSources()
		if err != nil {
			return fmt.Errorf("failed to list %s devices: %w", svc.GetBackendType(), err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Capture devices (%s, %s backend), %d found:\n", runtime.GOOS, svc.GetBackendType(), len(sources))
		for i, source := range sources {
			fmt.Fprintf(out, "  %d. %s\n", i+1, source)
		}

		fmt.Fprintf(out, "\nConfigured input: -f %s -i %s\n", cfg.Audio.InputFormat, cfg.Audio.InputDevice)
		return nil
	},
}
