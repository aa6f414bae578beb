package transfer

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-call/internal/clock"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/transport"
)

// Transfer is one file moving between this client and a peer. It is
// confined to the registry's event loop.
type Transfer struct {
	r   *Registry
	log *logrus.Entry

	id        string
	peerID    string
	direction Direction
	name      string
	size      int64
	mime      string
	chunkSize int
	class     CapabilityClass
	path      string

	state        State
	bytes        int64
	resumeOffset int64
	err          error

	conn       transport.Conn
	open       bool
	stallTimer clock.Timer
	stallGen   int
	lastSaved  int64
	saved      bool
	hash       *runningHash
	hashing    bool

	// sender
	src        Source
	next       int64
	doneSent   bool
	waiting    bool
	needDigest bool

	// receiver
	sink            Sink
	sinceCheckpoint int
}

func (t *Transfer) ID() string { return t.id }

func (t *Transfer) State() State { return t.state }

func (t *Transfer) BytesTransferred() int64 { return t.bytes }

func (t *Transfer) Snapshot() Snapshot {
	return Snapshot{
		ID:               t.id,
		Direction:        t.direction,
		PeerID:           t.peerID,
		FileName:         t.name,
		FileSize:         t.size,
		MimeType:         t.mime,
		State:            t.state,
		BytesTransferred: t.bytes,
		ChunkSize:        t.chunkSize,
		ResumeOffset:     t.resumeOffset,
		Class:            t.class,
		Path:             t.path,
		Err:              t.err,
		UpdatedAt:        t.r.clock.Now(),
	}
}

func (t *Transfer) setState(next State) {
	if t.state == next {
		return
	}
	t.log.WithFields(logrus.Fields{"from": t.state, "to": next}).Debug("Transfer state")
	t.state = next
	t.r.changed(t)
}

// advance moves bytesTransferred forward; it never goes back.
func (t *Transfer) advance(n int64) {
	if n > t.size {
		n = t.size
	}
	if n > t.bytes {
		t.bytes = n
	}
}

// accepted starts the sender side once the receiver agreed to take the
// file from offset.
func (t *Transfer) accepted(offset int64) error {
	if offset < t.bytes || offset > t.size {
		err := fmt.Errorf("%w: peer resumes at %d, checkpoint is %d", ErrIntegrityMismatch, offset, t.bytes)
		t.fail(err, true)
		return err
	}
	t.resumeOffset = offset
	t.next = offset
	t.doneSent = false
	t.advance(offset)
	t.setState(StateAccepted)

	conn, err := t.r.dialer.Dial(t.id, t.peerID)
	if err != nil {
		err = fmt.Errorf("%w: dial: %v", ErrTransport, err)
		t.fail(err, true)
		return err
	}
	t.conn = conn
	t.saveCheckpoint()
	t.setState(StateConnecting)
	t.armStall()
	return nil
}

// listen prepares the receiver side for the sender's connection and tells
// the sender where to start.
func (t *Transfer) listen() error {
	if t.conn == nil {
		conn, err := t.r.dialer.Accept(t.id, t.peerID)
		if err != nil {
			return fmt.Errorf("%w: accept: %v", ErrTransport, err)
		}
		t.conn = conn
	}
	t.resumeOffset = t.bytes
	if err := t.r.send(t.peerID, &protocol.TransferAccept{TransferID: t.id, ResumeOffset: t.bytes}); err != nil {
		_ = t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *Transfer) opened() {
	t.open = true
	if t.direction == DirectionSend {
		t.conn.SetBufferedAmountLowThreshold(t.r.cfg.LowWaterMark)
	}
	if t.state != StateConnecting {
		// Paused while connecting; Resume continues.
		return
	}
	t.log.WithField("offset", humanize.IBytes(uint64(t.resumeOffset))).Info("Transfer channel open")
	t.setState(StateTransferring)
	t.r.armFlush()
	t.armStall()
	if t.direction == DirectionSend {
		t.pump()
	}
}

// pump writes chunks until the transport buffer would pass the high-water
// mark. It resumes on the next buffered-low event.
func (t *Transfer) pump() {
	if t.state != StateTransferring || t.conn == nil || t.src == nil {
		return
	}
	t.waiting = false
	if !t.hash.follows(t.next) {
		t.hashSource()
	}

	for t.next < t.size {
		n := t.chunkSize
		if remaining := t.size - t.next; remaining < int64(n) {
			n = int(remaining)
		}
		if !t.hasRoom(n) {
			t.waiting = true
			return
		}
		data, err := ReadChunk(t.src, t.next, n)
		if err != nil {
			t.fail(fmt.Errorf("read %s at %d: %w", t.name, t.next, err), true)
			return
		}
		t.hash.write(t.next, data)
		frame := protocol.Frame{
			Kind:       protocol.FrameChunk,
			TransferID: t.id,
			Sequence:   uint64(t.next / int64(t.chunkSize)),
			Offset:     t.next,
			Data:       data,
		}
		if err := t.conn.Send(frame.Marshal()); err != nil {
			t.fail(fmt.Errorf("%w: send: %v", ErrTransport, err), false)
			return
		}
		t.next += int64(n)
	}

	if t.doneSent {
		return
	}
	if !t.hasRoom(0) {
		t.waiting = true
		return
	}
	digest, ok := t.hash.sum(t.size)
	if !ok {
		t.needDigest = true
		t.hashSource()
		return
	}
	t.needDigest = false
	if err := t.sendFrame(protocol.Frame{Kind: protocol.FrameDone, Offset: t.size, Digest: digest}); err != nil {
		t.fail(fmt.Errorf("%w: send: %v", ErrTransport, err), false)
		return
	}
	t.doneSent = true
}

// hashSource digests the whole source off the event loop. It is needed when
// streaming started past offset 0, as after a restart.
func (t *Transfer) hashSource() {
	if t.hashing {
		return
	}
	t.hashing = true
	src, size := t.src, t.size
	t.r.offLoop(func() ([]byte, error) { return HashFile(src, size) }, func(sum []byte, err error) {
		t.hashing = false
		if t.src != src || t.state.Terminal() {
			return
		}
		if err != nil {
			t.fail(fmt.Errorf("hash %s: %w", t.name, err), true)
			return
		}
		t.hash.set(sum)
		if t.needDigest {
			t.pump()
		}
	})
}

func (t *Transfer) hasRoom(payload int) bool {
	need := uint64(payload + protocol.FrameOverhead)
	return t.conn.BufferedAmount()+need <= t.r.cfg.HighWaterMark
}

func (t *Transfer) bufferedLow() {
	if t.waiting {
		t.pump()
	}
}

func (t *Transfer) handleFrame(f protocol.Frame) {
	if t.state.Terminal() {
		return
	}
	switch f.Kind {
	case protocol.FrameChunk:
		if t.direction == DirectionReceive {
			t.receiveChunk(f)
		}
	case protocol.FrameAck:
		if t.direction == DirectionSend {
			t.advance(f.Offset)
			t.saveCheckpoint()
			if t.state == StateTransferring {
				t.armStall()
			}
			t.r.changed(t)
		}
	case protocol.FrameDone:
		if t.direction == DirectionReceive {
			t.receiveDone(f)
		}
	case protocol.FrameComplete:
		if t.direction == DirectionSend {
			t.advance(t.size)
			t.complete()
		}
	case protocol.FramePause:
		if t.state == StateTransferring || t.state == StateConnecting {
			t.log.Info("Peer paused transfer")
			t.pause(false)
		}
	case protocol.FrameResume:
		if t.state == StatePaused && t.conn != nil {
			t.log.Info("Peer resumed transfer")
			t.resumeLive(false)
		}
	case protocol.FrameAbort:
		t.fail(errorFromCode(protocol.ErrorCode(f.Offset)), false)
	}
}

func (t *Transfer) receiveChunk(f protocol.Frame) {
	committed := t.sink.Size()
	if f.Offset > committed {
		t.fail(fmt.Errorf("%w: chunk at %d, have %d", ErrIntegrityMismatch, f.Offset, committed), true)
		return
	}
	data := f.Data
	if skip := committed - f.Offset; skip > 0 {
		if skip >= int64(len(data)) {
			return
		}
		data = data[skip:]
	}
	if committed+int64(len(data)) > t.size {
		t.fail(fmt.Errorf("%w: %d bytes past end of file", ErrIntegrityMismatch, committed+int64(len(data))-t.size), true)
		return
	}
	if err := t.sink.Write(data); err != nil {
		t.fail(fmt.Errorf("write %s: %w", t.name, err), true)
		return
	}
	t.hash.write(committed, data)
	t.advance(t.sink.Size())

	t.sinceCheckpoint++
	if t.sinceCheckpoint >= t.r.cfg.CheckpointEvery {
		t.checkpoint()
		t.sendAck()
		t.r.changed(t)
	}
	if t.state == StateTransferring {
		t.armStall()
	}
}

func (t *Transfer) receiveDone(f protocol.Frame) {
	if t.hashing {
		return
	}
	if t.sink.Size() != t.size || f.Offset != t.size {
		t.fail(fmt.Errorf("%w: received %d of %d bytes", ErrIntegrityMismatch, t.sink.Size(), t.size), true)
		return
	}
	if sum, ok := t.hash.sum(t.size); ok {
		t.verify(f.Digest, sum)
		return
	}

	// Part of the file predates this run; hash it from the sink.
	t.hashing = true
	t.stopStall()
	sink := t.sink
	t.r.offLoop(sink.Digest, func(sum []byte, err error) {
		t.hashing = false
		if t.sink != sink || t.state.Terminal() {
			return
		}
		if err != nil {
			t.fail(fmt.Errorf("digest: %w", err), true)
			return
		}
		t.verify(f.Digest, sum)
	})
}

// verify commits the received file when its digest matches the sender's.
func (t *Transfer) verify(want, digest []byte) {
	if !bytes.Equal(digest, want) {
		t.fail(fmt.Errorf("%w: digest differs", ErrIntegrityMismatch), true)
		return
	}
	path, err := t.sink.Commit()
	if err != nil {
		t.fail(fmt.Errorf("commit %s: %w", t.name, err), true)
		return
	}
	t.sink = nil
	t.path = path
	if err := t.sendFrame(protocol.Frame{Kind: protocol.FrameComplete, Offset: t.size}); err != nil {
		t.log.Warnf("Completion not delivered: %v", err)
	}
	t.complete()
}

func (t *Transfer) sendAck() {
	if t.conn == nil {
		return
	}
	if err := t.sendFrame(protocol.Frame{Kind: protocol.FrameAck, Offset: t.bytes}); err != nil {
		t.log.Debugf("Ack not sent: %v", err)
	}
}

func (t *Transfer) sendFrame(f protocol.Frame) error {
	if t.conn == nil {
		return transport.ErrClosed
	}
	f.TransferID = t.id
	return t.conn.Send(f.Marshal())
}

// checkpoint makes received bytes durable and records progress.
func (t *Transfer) checkpoint() {
	t.sinceCheckpoint = 0
	if t.sink != nil {
		if err := t.sink.Sync(); err != nil {
			t.log.Warnf("Sync failed: %v", err)
			return
		}
	}
	t.saveCheckpoint()
}

func (t *Transfer) saveCheckpoint() {
	if t.r.store == nil || t.state.Terminal() {
		return
	}
	if t.direction == DirectionReceive && t.class == MemoryBuffered {
		return
	}
	if t.saved && t.bytes == t.lastSaved {
		return
	}
	cp := Checkpoint{
		TransferID:       t.id,
		PeerID:           t.peerID,
		Direction:        t.direction,
		FileName:         t.name,
		FilePath:         t.path,
		FileSize:         t.size,
		MimeType:         t.mime,
		ChunkSize:        t.chunkSize,
		BytesTransferred: t.bytes,
		Class:            t.class,
		UpdatedAt:        t.r.clock.Now(),
	}
	if ds, ok := t.sink.(*DiskSink); ok {
		cp.FilePath = ds.Path()
	}
	if err := t.r.store.SaveCheckpoint(cp); err != nil {
		t.log.Warnf("Failed to save checkpoint: %v", err)
		return
	}
	t.saved = true
	t.lastSaved = t.bytes
}

func (t *Transfer) pause(notify bool) {
	t.stopStall()
	if notify && t.conn != nil {
		if err := t.sendFrame(protocol.Frame{Kind: protocol.FramePause}); err != nil {
			t.log.Debugf("Pause not delivered: %v", err)
		}
	}
	t.checkpoint()
	if t.direction == DirectionReceive {
		t.sendAck()
	}
	t.setState(StatePaused)
}

func (t *Transfer) resumeLive(notify bool) {
	if notify {
		if err := t.sendFrame(protocol.Frame{Kind: protocol.FrameResume}); err != nil {
			t.connectionLost(err)
			return
		}
	}
	t.err = nil
	t.setState(StateTransferring)
	t.r.armFlush()
	t.armStall()
	if t.direction == DirectionSend {
		t.pump()
	}
}

// reconnect restarts a paused transfer whose channel is gone by repeating
// the handshake. The receiver states where to continue.
func (t *Transfer) reconnect() error {
	t.err = nil
	if t.direction == DirectionSend {
		req := &protocol.TransferRequest{
			TransferID: t.id,
			FileName:   t.name,
			FileSize:   t.size,
			MimeType:   t.mime,
			ChunkSize:  t.chunkSize,
			ResumeFrom: t.bytes,
		}
		if err := t.r.send(t.peerID, req); err != nil {
			return err
		}
	} else if err := t.listen(); err != nil {
		return err
	}
	t.setState(StateConnecting)
	t.armStall()
	return nil
}

// connectionLost parks the transfer so it can be resumed over a new
// channel. A transport error pauses rather than fails: the checkpoint is
// kept and Resume repeats the handshake.
func (t *Transfer) connectionLost(cause error) {
	t.log.Warnf("Transfer channel lost: %v", cause)
	t.releaseConn()
	t.stopStall()
	t.checkpoint()
	t.waiting = false
	t.err = fmt.Errorf("%w: %v", ErrTransport, cause)
	if t.state != StatePaused {
		t.setState(StatePaused)
	} else {
		t.r.changed(t)
	}
}

func (t *Transfer) complete() {
	t.stopStall()
	t.log.WithField("size", humanize.IBytes(uint64(t.size))).Info("Transfer completed")
	t.state = StateCompleted
	t.err = nil
	if t.direction == DirectionSend {
		t.releaseConn()
	}
	t.releaseFiles(false)
	t.deleteCheckpoint()
	t.r.changed(t)
}

// fail ends the transfer. With notify the peer learns the reason.
func (t *Transfer) fail(err error, notify bool) {
	if t.state.Terminal() {
		return
	}
	t.stopStall()
	t.log.Warnf("Transfer failed: %v", err)
	if notify {
		t.notifyPeer(codeFromError(err))
	}
	t.state = StateFailed
	t.err = err
	t.releaseConn()
	t.releaseFiles(true)
	t.deleteCheckpoint()
	t.r.changed(t)
}

func (t *Transfer) cancel(notify bool) {
	if t.state.Terminal() {
		return
	}
	t.stopStall()
	if notify {
		if err := t.r.send(t.peerID, &protocol.TransferCancel{TransferID: t.id}); err != nil {
			t.log.Debugf("Cancel not delivered: %v", err)
		}
	}
	t.log.Info("Transfer cancelled")
	t.state = StateCancelled
	t.err = ErrCancelled
	t.releaseConn()
	t.releaseFiles(true)
	t.deleteCheckpoint()
	t.r.changed(t)
}

func (t *Transfer) reject(err error) {
	t.stopStall()
	t.state = StateRejected
	t.err = err
	t.releaseConn()
	t.releaseFiles(true)
	t.deleteCheckpoint()
	t.r.changed(t)
}

// notifyPeer reports a local failure in band and over signaling, since the
// channel is closed right after.
func (t *Transfer) notifyPeer(code protocol.ErrorCode) {
	if t.conn != nil {
		_ = t.sendFrame(protocol.Frame{Kind: protocol.FrameAbort, Offset: int64(code)})
	}
	if err := t.r.send(t.peerID, &protocol.TransferReject{TransferID: t.id, Reason: code}); err != nil {
		t.log.Debugf("Failure not delivered: %v", err)
	}
}

func (t *Transfer) releaseConn() {
	if t.conn == nil {
		return
	}
	if err := t.conn.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		t.log.Debugf("Closing channel: %v", err)
	}
	t.conn = nil
	t.open = false
}

// releaseFiles closes the source or sink. discard drops received data.
func (t *Transfer) releaseFiles(discard bool) {
	if t.src != nil {
		_ = t.src.Close()
		t.src = nil
	}
	if t.sink != nil {
		var err error
		if discard {
			err = t.sink.Discard()
		} else {
			err = t.sink.Close()
		}
		if err != nil {
			t.log.Debugf("Releasing sink: %v", err)
		}
		t.sink = nil
	}
}

func (t *Transfer) deleteCheckpoint() {
	if t.r.store == nil {
		return
	}
	if err := t.r.store.DeleteCheckpoint(t.id); err != nil {
		t.log.Warnf("Failed to delete checkpoint: %v", err)
	}
}

// armStall restarts the stall timeout. A callback that was already queued
// when the timer was stopped or re-armed sees a newer generation and does
// nothing.
func (t *Transfer) armStall() {
	clock.Stop(t.stallTimer)
	t.stallGen++
	gen := t.stallGen
	t.stallTimer = t.r.clock.AfterFunc(t.r.cfg.StallTimeout, func() {
		if gen != t.stallGen {
			return
		}
		t.stallTimer = nil
		if t.state == StateTransferring || t.state == StateConnecting {
			t.fail(fmt.Errorf("%w: no progress for %v", ErrTimeout, t.r.cfg.StallTimeout), true)
		}
	})
}

func (t *Transfer) stopStall() {
	clock.Stop(t.stallTimer)
	t.stallTimer = nil
	t.stallGen++
}
