package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/peer-call/internal/client/client"
	"github.com/rudransh-shrivastava/peer-call/internal/config"
	"github.com/rudransh-shrivastava/peer-call/internal/logger"
)

var (
	configPath string
	peerID     string
	signalURL  string
	logLevel   string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "pcall",
	Short: "peer to peer calls and file transfers",
	Long: `pcall places direct and group audio/video calls and sends files
straight to other peers. Peers find each other through a signaling relay.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&peerID, "peer", "", "peer id to register with the relay (default: random)")
	flags.StringVar(&signalURL, "signal", "", "signaling relay websocket url")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&dbPath, "db", "", "path to the local database")

	rootCmd.AddCommand(callCmd, answerCmd, joinCmd)
	rootCmd.AddCommand(sendCmd, receiveCmd, resumeCmd)
	rootCmd.AddCommand(transfersCmd, historyCmd)
}

// loadConfig applies command line flags on top of the loaded
// configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if peerID != "" {
		cfg.Signaling.PeerID = peerID
	}
	if signalURL != "" {
		cfg.Signaling.URL = signalURL
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if cfg.Signaling.PeerID == "" {
		cfg.Signaling.PeerID = uuid.NewString()
	}
	return cfg, nil
}

// session is a connected client for the lifetime of one command.
type session struct {
	*client.Client
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Logger
	cfg    *config.Config
}

// startSession connects to the relay. Its context is cancelled on SIGINT
// or SIGTERM.
func startSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log.Level)

	c, err := client.New(cfg, log)
	if err != nil {
		return nil, err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	c.Start(ctx)

	log.WithField("peer", cfg.Signaling.PeerID).Infof("Connecting to %s", cfg.Signaling.URL)
	if err := c.WaitConnected(ctx); err != nil {
		cancel()
		_ = c.Close()
		return nil, err
	}
	return &session{Client: c, ctx: ctx, cancel: cancel, log: log, cfg: cfg}, nil
}

func (s *session) close() {
	s.cancel()
	if err := s.Close(); err != nil {
		s.log.Errorf("Shutdown: %v", err)
	}
}
