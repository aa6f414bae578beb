package client

import (
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-call/internal/config"
	"github.com/rudransh-shrivastava/peer-call/internal/transfer"
)

func TestConfigConversion(t *testing.T) {
	cfg := config.Default()
	cfg.Transfer.DownloadDir = "/tmp/incoming"

	tc := TransferConfig(cfg)
	if tc.ChunkSize != 16*1024 || tc.HighWaterMark != 1<<20 || tc.LowWaterMark != 256<<10 {
		t.Errorf("unexpected transfer config %+v", tc)
	}
	if tc.CheckpointEvery != 64 || tc.StallTimeout != 30*time.Second || tc.DownloadDir != "/tmp/incoming" {
		t.Errorf("unexpected transfer config %+v", tc)
	}

	cc := CallConfig(cfg)
	if cc.GracePeriod != 5*time.Second || cc.MaxReconnectAttempts != 3 || cc.ConnectTimeout != 30*time.Second {
		t.Errorf("unexpected call config %+v", cc)
	}
}

func TestCapability(t *testing.T) {
	cfg := config.Default()
	if got := Capability(cfg); got.Class != transfer.StreamingDisk || got.MaxBytes != 1<<40 {
		t.Errorf("unexpected disk capability %+v", got)
	}

	cfg.Transfer.Capability = config.CapabilityMemory
	got := Capability(cfg)
	if got.Class != transfer.MemoryBuffered || got.MaxBytes != 2<<30 {
		t.Errorf("unexpected memory capability %+v", got)
	}
	if got.Allows(5 << 30) {
		t.Error("a memory buffered client must not accept a 5 GiB file")
	}
}

func TestNewAndCloseWithoutStart(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DBPath = ":memory:"

	if _, err := New(cfg, nil); err == nil {
		t.Error("expected an error without a peer id")
	}

	cfg.Signaling.PeerID = "alice"
	c, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.Node == nil || c.Calls == nil || c.Checkpoints == nil {
		t.Fatal("expected node and stores to be wired")
	}
	if _, err := c.Checkpoints.Checkpoint("missing"); err == nil {
		t.Error("expected lookup of a missing checkpoint to fail")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
