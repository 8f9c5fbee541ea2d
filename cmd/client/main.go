package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"flarepeer/internal/client"
	"flarepeer/internal/constants"
	"flarepeer/internal/logger"
	"flarepeer/internal/utils"
)

var (
	serverURL  string
	insecure   bool
	transcript bool
	timeout    time.Duration
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "  %s%s%s\n", constants.ColorRed, err.Error(), constants.ColorReset)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           constants.AppName,
		Short:         "Talk to a " + constants.AppName + " signaling relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", utils.GetEnv(constants.EnvServerURL, constants.DefaultServerURL), "relay URL (ws, wss, http or https)")
	root.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().BoolVar(&transcript, "transcript", false, "write a JSON-lines transcript of every frame to the log directory")
	root.PersistentFlags().DurationVar(&timeout, "timeout", constants.DefaultRPCTimeout, "per-request timeout")

	root.AddCommand(openCmd(), reconnectCmd(), sendCmd(), pollCmd(), destroyCmd(), versionCmd())
	return root
}

// connect dials the relay. The returned cleanup closes the connection and
// the transcript.
func connect(ctx context.Context) (*client.Client, func(), error) {
	opts := client.Options{SkipTLSVerify: insecure}
	if transcript {
		l, err := logger.NewLogger(fmt.Sprintf("client-%s", time.Now().Format("20060102-150405")))
		if err != nil {
			return nil, nil, err
		}
		hint("transcript: %s", l.GetLogPath())
		opts.Transcript = l
	}

	c, err := client.DialRetry(ctx, serverURL, opts, constants.DialAttempts)
	if err != nil {
		opts.Transcript.Close()
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		opts.Transcript.Close()
	}, nil
}

// resume connects and takes over an existing peer identity.
func resume(ctx context.Context, id, token string) (*client.Client, func(), error) {
	c, cleanup, err := connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Reconnect(reqCtx, id, token); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("reconnect as %s: %w", id, err)
	}
	return c, cleanup, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func hint(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s%s%s\n", constants.ColorDim, fmt.Sprintf(format, args...), constants.ColorReset)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", constants.AppName, constants.Version)
		},
	}
}
