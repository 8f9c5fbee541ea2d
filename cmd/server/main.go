package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"flarepeer/internal/constants"
	"flarepeer/internal/server"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		envFile      string
		port         string
		pollInterval int
		authTimeout  int
	)

	cmd := &cobra.Command{
		Use:          constants.AppName + "-server",
		Short:        "Store-and-forward signaling relay for WebRTC peers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnv(envFile); err != nil {
				return err
			}

			cfg := server.LoadConfig()
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("poll-interval") {
				cfg.PollInterval = time.Duration(pollInterval) * time.Millisecond
			}
			if cmd.Flags().Changed("auth-timeout") {
				cfg.AuthTimeout = time.Duration(authTimeout) * time.Millisecond
			}

			s, err := server.NewServer(cfg)
			if err != nil {
				log.Printf("Failed to initialize server: %v", err)
				return err
			}
			return s.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "load settings from this file (default .env if present)")
	cmd.Flags().StringVar(&port, "port", constants.DefaultPort, "listen port (overrides "+constants.EnvPort+")")
	cmd.Flags().IntVar(&pollInterval, "poll-interval", int(constants.DefaultPollInterval/time.Millisecond), "minimum ms between polls (overrides "+constants.EnvPollInterval+")")
	cmd.Flags().IntVar(&authTimeout, "auth-timeout", int(constants.DefaultAuthTimeout/time.Millisecond), "ms a connection may stay unauthenticated (overrides "+constants.EnvAuthTimeout+")")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", constants.AppName, constants.Version)
		},
	})
	return cmd
}

// loadEnv seeds the environment from path, or from ./.env when path is empty
// and the file exists. Variables already set win.
func loadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
