// Package client assembles a running node from configuration: the local
// database, the relay connection, the media engine and the transfer data
// channels.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/rudransh-shrivastava/peer-call/internal/call"
	"github.com/rudransh-shrivastava/peer-call/internal/config"
	"github.com/rudransh-shrivastava/peer-call/internal/db"
	"github.com/rudransh-shrivastava/peer-call/internal/logger"
	"github.com/rudransh-shrivastava/peer-call/internal/node"
	"github.com/rudransh-shrivastava/peer-call/internal/signaling"
	"github.com/rudransh-shrivastava/peer-call/internal/store"
	"github.com/rudransh-shrivastava/peer-call/internal/transfer"
	"github.com/rudransh-shrivastava/peer-call/internal/transport"
	"github.com/rudransh-shrivastava/peer-call/internal/transport/webrtc"
)

const connectPollInterval = 100 * time.Millisecond

type Client struct {
	Node        *node.Node
	Calls       *store.CallStore
	Checkpoints *store.CheckpointStore

	cfg      *config.Config
	log      *logrus.Logger
	gdb      *gorm.DB
	signaler *signaling.WebSocket

	cancel context.CancelFunc
	errc   chan error
}

func New(cfg *config.Config, log *logrus.Logger) (*Client, error) {
	log = logger.OrDiscard(log)
	if cfg.Signaling.PeerID == "" {
		return nil, errors.New("peer id is not configured")
	}

	gdb, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	c := &Client{
		Calls:       store.NewCallStore(gdb),
		Checkpoints: store.NewCheckpointStore(gdb),
		cfg:         cfg,
		log:         log,
		gdb:         gdb,
	}

	c.signaler, err = signaling.NewWebSocket(signaling.WebSocketOptions{
		URL:    cfg.Signaling.URL,
		PeerID: cfg.Signaling.PeerID,
		Logger: log,
	})
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}

	ice := webrtc.Configuration(cfg.ICE.STUNServers)
	engine, err := webrtc.NewEngine(ice, log)
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}

	c.Node, err = node.New(node.Options{
		LocalID:  cfg.Signaling.PeerID,
		Signaler: c.signaler,
		Engine:   engine,
		Media:    webrtc.StaticSource{},
		NewDialer: func(events chan<- transport.Event) (transport.Dialer, error) {
			return webrtc.NewDialer(ice, c.signaler, events, log)
		},
		Checkpoints:    c.Checkpoints,
		History:        c.Calls,
		CallConfig:     CallConfig(cfg),
		TransferConfig: TransferConfig(cfg),
		Capability:     Capability(cfg),
		Logger:         log,
	})
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}
	return c, nil
}

// Start runs the node in the background until Close.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.errc = make(chan error, 1)
	go func() {
		c.errc <- c.Node.Run(ctx)
	}()
}

// WaitConnected blocks until the relay connection is up.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(connectPollInterval)
	defer ticker.Stop()
	for !c.signaler.Connected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connecting to relay %s: %w", c.cfg.Signaling.URL, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops the node, which ends the call and checkpoints transfers,
// then closes the database.
func (c *Client) Close() error {
	var err error
	if c.cancel != nil {
		c.cancel()
		err = <-c.errc
		c.cancel = nil
	} else {
		err = c.signaler.Close()
	}
	return multierr.Append(err, db.Close(c.gdb))
}

func CallConfig(cfg *config.Config) call.Config {
	return call.Config{
		ConnectTimeout:       cfg.Call.ConnectTimeout,
		GracePeriod:          cfg.Call.GracePeriod,
		MaxReconnectAttempts: cfg.Call.MaxReconnectAttempts,
	}
}

func TransferConfig(cfg *config.Config) transfer.Config {
	t := cfg.Transfer
	return transfer.Config{
		ChunkSize:          t.ChunkSize,
		HighWaterMark:      uint64(t.HighWaterMark),
		LowWaterMark:       uint64(t.LowWaterMark),
		CheckpointEvery:    t.CheckpointEvery,
		CheckpointInterval: t.CheckpointInterval,
		StallTimeout:       t.StallTimeout,
		DownloadDir:        t.DownloadDir,
	}
}

func Capability(cfg *config.Config) transfer.Capability {
	class := transfer.StreamingDisk
	if cfg.Transfer.Capability == config.CapabilityMemory {
		class = transfer.MemoryBuffered
	}
	return transfer.Capability{Class: class, MaxBytes: cfg.Transfer.CapabilityLimit()}
}
