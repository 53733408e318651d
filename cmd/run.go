package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/audiolibrelab/cyclerec/internal/cycle"
	"github.com/audiolibrelab/cyclerec/internal/service"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the record/play cycle from the terminal",
	Long: `Show the current button and wait for input:

  Enter  press the button
  s      release the audio devices, keeping the current button
  q      quit

Ctrl+C and SIGTERM release the devices before exiting.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg)
		defer svc.Close()

		out := cmd.OutOrStdout()
		cancel := svc.Subscribe(func(snap cycle.Snapshot) {
			printSnapshot(out, snap)
		})
		defer cancel()

		fmt.Fprintf(out, "Recording file: %s\n", cfg.TargetPath())
		fmt.Fprintln(out, "Enter = press, s = suspend, q = quit")
		printSnapshot(out, svc.Status())

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		lines := readLines(cmd.InOrStdin())

		for {
			select {
			case sig := <-sigChan:
				slog.Info("Received signal, releasing devices", "signal", sig)
				return nil

			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleInput(out, svc, line); quit {
					return nil
				}
			}
		}
	},
}

// handleInput applies one line of terminal input and reports whether to quit
func handleInput(out io.Writer, svc service.Service, line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		if _, err := svc.Activate(); err != nil {
			fmt.Fprintf(out, "Error: failed to %v\n", err)
		}
	case "s":
		svc.Suspend()
		fmt.Fprintln(out, "Devices released")
	case "q":
		return true
	default:
		fmt.Fprintf(out, "Unknown command %q (Enter = press, s = suspend, q = quit)\n", line)
	}
	return false
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func printSnapshot(out io.Writer, snap cycle.Snapshot) {
	fmt.Fprintf(out, "[ %s ]  %s\n", snap.Output.Label, snap.Output.Icon)
}
