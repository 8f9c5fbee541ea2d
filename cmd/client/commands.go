package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"flarepeer/internal/client"
	"flarepeer/internal/constants"
	"flarepeer/internal/protocol"
	"flarepeer/internal/utils"
)

type credentials struct {
	id    string
	token string
}

func (c *credentials) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.id, "id", "", "peer id returned by open")
	cmd.Flags().StringVar(&c.token, "token", "", "token returned by open")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("token")
}

func openCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Create a new peer identity and print its id and token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := c.Open(ctx, key)
			if err != nil {
				return err
			}
			hint("keep the token: it is the only way back to this identity")
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&key, "key", utils.GetEnv(constants.EnvAPIKey, ""), "relay access key, if the relay requires one")
	return cmd
}

func reconnectCmd() *cobra.Command {
	var creds credentials
	cmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Check that an id and token still resume a live peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cleanup, err := resume(cmd.Context(), creds.id, creds.token)
			if err != nil {
				return err
			}
			defer cleanup()
			fmt.Printf("  %s✔%s %s is live\n", constants.ColorGreen, constants.ColorReset, creds.id)
			return nil
		},
	}
	creds.bind(cmd)
	return cmd
}

func sendCmd() *cobra.Command {
	var (
		creds   credentials
		to      string
		kind    string
		content string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Queue an offer, answer or ice-candidate for another peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !protocol.ValidKind(kind) {
				return fmt.Errorf("--type must be %s, %s or %s", protocol.KindOffer, protocol.KindAnswer, protocol.KindICECandidate)
			}
			if content == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				content = string(data)
			}

			c, cleanup, err := resume(cmd.Context(), creds.id, creds.token)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := c.Send(ctx, to, kind, content); err != nil {
				return err
			}
			hint("%s queued for %s", kind, to)
			return nil
		},
	}
	creds.bind(cmd)
	cmd.Flags().StringVar(&to, "to", "", "destination peer id")
	cmd.Flags().StringVar(&kind, "type", protocol.KindOffer, "message type")
	cmd.Flags().StringVar(&content, "content", "-", "message content, - reads stdin")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func pollCmd() *cobra.Command {
	var (
		creds    credentials
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Drain and print queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, cleanup, err := resume(ctx, creds.id, creds.token)
			if err != nil {
				return err
			}
			defer func() { cleanup() }()

			for {
				if err := pollOnce(ctx, c); err != nil && (!watch || !errors.Is(err, client.ErrClosed)) {
					return err
				}
				if !watch {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-c.Done():
					hint("connection lost, reconnecting")
					cleanup()
					next, nextCleanup, err := resume(ctx, creds.id, creds.token)
					if err != nil {
						cleanup = func() {}
						return err
					}
					c, cleanup = next, nextCleanup
				case <-time.After(interval):
				}
			}
		},
	}
	creds.bind(cmd)
	cmd.Flags().BoolVar(&watch, "watch", false, "keep polling until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", constants.DefaultPollInterval+500*time.Millisecond, "time between polls with --watch")
	return cmd
}

func pollOnce(ctx context.Context, c *client.Client) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msgs, err := c.Poll(reqCtx)
	if client.IsCode(err, http.StatusTooManyRequests) {
		hint("polled too soon, waiting")
		return nil
	}
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := printJSON(m); err != nil {
			return err
		}
	}
	return nil
}

func destroyCmd() *cobra.Command {
	var creds credentials
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete a peer identity and everything queued for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cleanup, err := resume(cmd.Context(), creds.id, creds.token)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := c.Destroy(ctx); err != nil {
				return err
			}
			fmt.Printf("  %s🗑%s %s destroyed\n", constants.ColorYellow, constants.ColorReset, creds.id)
			return nil
		},
	}
	creds.bind(cmd)
	return cmd
}
