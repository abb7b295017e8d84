// visionaid/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "visionaid",
		Short:         "Describe images and read the description aloud",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newConvertCommand(), newSweepCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(cmd.Context())
		},
	}
}

func newConvertCommand() *cobra.Command {
	var voice string
	var wait string
	cmd := &cobra.Command{
		Use:   "convert IMAGE OUTPUT",
		Short: "Convert one image file to speech and write the audio to OUTPUT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()
			return a.convert(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], voice, wait)
		},
	}
	cmd.Flags().StringVar(&voice, "voice", "", "Voice code (defaults to DEFAULT_VOICE)")
	cmd.Flags().StringVar(&wait, "wait", "", "Seconds to wait before fetching audio (defaults to DEFAULT_WAIT_TIME)")
	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired uploads and audio files once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()
			res := a.sweeper.Sweep(cmd.Context(), time.Now())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d files, %d failures\n", len(res.Removed), res.Failed)
			return nil
		},
	}
}
