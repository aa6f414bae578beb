package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-call/internal/logger"
	"github.com/rudransh-shrivastava/peer-call/internal/relay"
)

var (
	addr     string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:          "relay",
	Short:        "signaling relay for pcall peers",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.New(logLevel)

		srv, err := relay.NewServer(relay.Config{Addr: addr, Logger: log})
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func main() {
	_ = godotenv.Load()

	rootCmd.Flags().StringVar(&addr, "addr", envOr("RELAY_ADDR", ":8080"), "listen address")
	rootCmd.Flags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
