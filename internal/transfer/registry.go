package transfer

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/rudransh-shrivastava/peer-call/internal/clock"
	"github.com/rudransh-shrivastava/peer-call/internal/logger"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
	"github.com/rudransh-shrivastava/peer-call/internal/signaling"
	"github.com/rudransh-shrivastava/peer-call/internal/transport"
)

// Outbox sends a signaling message without blocking.
type Outbox interface {
	Send(to string, msg protocol.Message) error
}

type Options struct {
	Outbox Outbox
	Dialer transport.Dialer
	// Store may be nil, in which case nothing survives a restart.
	Store CheckpointStore
	// Clock timers must fire on the registry's event loop.
	Clock clock.Clock
	// Post schedules f on the registry's event loop. Digests that cannot be
	// built up while streaming are computed on a goroutine and delivered
	// through it. Nil computes them inline.
	Post       func(f func())
	Config     Config
	Capability Capability
	Logger     *logrus.Logger
	// OnChange is called after every state change and progress update.
	OnChange func(Snapshot)
	// OnRequest is called when an incoming transfer waits for Respond.
	OnRequest func(Snapshot)
}

// Registry owns every transfer of a client, keyed by transfer id. All
// methods must be called from one event loop.
type Registry struct {
	opts   Options
	cfg    Config
	clock  clock.Clock
	dialer transport.Dialer
	store  CheckpointStore
	log    *logrus.Logger

	transfers  map[string]*Transfer
	flushTimer clock.Timer
	closed     bool
}

func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	cfg := opts.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > protocol.MaxChunkSize {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.ChunkSize+protocol.FrameOverhead > int(cfg.HighWaterMark) {
		cfg.ChunkSize = int(cfg.HighWaterMark) - protocol.FrameOverhead
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = DefaultConfig().CheckpointEvery
	}
	cfg.DownloadDir = downloadDir(cfg.DownloadDir)
	if opts.Capability.Class == "" {
		opts.Capability = Capability{Class: StreamingDisk, MaxBytes: 1 << 40}
	}

	return &Registry{
		opts:      opts,
		cfg:       cfg,
		clock:     opts.Clock,
		dialer:    opts.Dialer,
		store:     opts.Store,
		log:       logger.OrDiscard(opts.Logger),
		transfers: make(map[string]*Transfer),
	}
}

func (r *Registry) Config() Config { return r.cfg }

func (r *Registry) Capability() Capability { return r.opts.Capability }

func (r *Registry) newTransfer(id, peerID string, dir Direction) *Transfer {
	return &Transfer{
		r:         r,
		log:       r.log.WithFields(logrus.Fields{"transfer": id, "peer": peerID, "direction": dir}),
		id:        id,
		peerID:    peerID,
		direction: dir,
		hash:      newRunningHash(),
	}
}

// offLoop runs work on its own goroutine and hands the result to done on
// the event loop.
func (r *Registry) offLoop(work func() ([]byte, error), done func([]byte, error)) {
	if r.opts.Post == nil {
		done(work())
		return
	}
	go func() {
		sum, err := work()
		r.opts.Post(func() { done(sum, err) })
	}()
}

func (r *Registry) add(t *Transfer) {
	r.transfers[t.id] = t
}

// Propose offers the file at path to peerID.
func (r *Registry) Propose(peerID, path string) (string, error) {
	f, err := OpenFile(path)
	if err != nil {
		return "", err
	}
	return r.ProposeFile(peerID, f)
}

// ProposeFile offers f to peerID. The registry owns f.Source from here on.
func (r *Registry) ProposeFile(peerID string, f File) (string, error) {
	if r.closed {
		_ = f.Source.Close()
		return "", ErrInvalidState
	}
	t := r.newTransfer(uuid.NewString(), peerID, DirectionSend)
	t.name = f.Name
	t.size = f.Size
	t.mime = f.MimeType
	t.path = f.Path
	t.src = f.Source
	t.chunkSize = r.cfg.ChunkSize
	t.state = StateRequested

	req := &protocol.TransferRequest{
		TransferID: t.id,
		FileName:   t.name,
		FileSize:   t.size,
		MimeType:   t.mime,
		ChunkSize:  t.chunkSize,
	}
	if err := r.send(peerID, req); err != nil {
		_ = f.Source.Close()
		return "", err
	}
	r.add(t)
	t.log.WithFields(logrus.Fields{
		"file": t.name,
		"size": humanize.IBytes(uint64(t.size)),
	}).Info("Transfer proposed")
	r.changed(t)
	return t.id, nil
}

// Respond accepts or declines an incoming transfer that is waiting in
// Requested.
func (r *Registry) Respond(id string, accept bool) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}
	if t.direction != DirectionReceive || t.state != StateRequested {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, id, t.state)
	}

	if !accept {
		if err := r.send(t.peerID, &protocol.TransferReject{TransferID: id, Reason: protocol.ErrDeclined}); err != nil {
			t.log.Debugf("Reject not delivered: %v", err)
		}
		t.log.Info("Transfer declined")
		t.reject(ErrUserRejected)
		return nil
	}

	switch t.class {
	case MemoryBuffered:
		t.sink = NewMemorySink(r.cfg.DownloadDir, t.name)
	default:
		sink, err := OpenDiskSink(r.cfg.DownloadDir, t.id, t.name, 0)
		if err != nil {
			t.fail(fmt.Errorf("open sink: %w", err), true)
			return err
		}
		t.sink = sink
		t.path = sink.Path()
	}
	t.setState(StateAccepted)

	if err := t.listen(); err != nil {
		t.fail(err, !errors.Is(err, ErrSignalingUnavailable))
		return err
	}
	t.log.Info("Transfer accepted")
	t.setState(StateConnecting)
	t.armStall()
	return nil
}

func (r *Registry) Pause(id string) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}
	if t.state != StateTransferring && t.state != StateConnecting {
		return fmt.Errorf("%w: cannot pause %s transfer", ErrInvalidState, t.state)
	}
	t.log.WithField("at", humanize.IBytes(uint64(t.bytes))).Info("Transfer paused")
	t.pause(true)
	return nil
}

// Resume continues a paused transfer, over its open channel when there is
// one and through a new handshake otherwise.
func (r *Registry) Resume(id string) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}
	if t.state != StatePaused {
		return fmt.Errorf("%w: cannot resume %s transfer", ErrInvalidState, t.state)
	}
	t.log.WithField("from", humanize.IBytes(uint64(t.bytes))).Info("Transfer resumed")
	switch {
	case t.conn != nil && t.open:
		t.resumeLive(true)
	case t.conn != nil:
		t.setState(StateConnecting)
		t.armStall()
	default:
		if err := t.reconnect(); err != nil {
			t.err = err
			r.changed(t)
			return err
		}
	}
	return nil
}

func (r *Registry) Cancel(id string) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}
	if t.state.Terminal() {
		return fmt.Errorf("%w: transfer already %s", ErrInvalidState, t.state)
	}
	t.cancel(true)
	return nil
}

func (r *Registry) Get(id string) (Snapshot, bool) {
	t, ok := r.transfers[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

// List returns every known transfer, oldest id first.
func (r *Registry) List() []Snapshot {
	out := make([]Snapshot, 0, len(r.transfers))
	for _, t := range r.transfers {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore reloads persisted checkpoints as Paused transfers.
func (r *Registry) Restore() error {
	if r.store == nil {
		return nil
	}
	cps, err := r.store.Checkpoints()
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}

	var errs error
	for _, cp := range cps {
		if _, ok := r.transfers[cp.TransferID]; ok {
			continue
		}
		t, err := r.restore(cp)
		if err != nil {
			r.log.WithField("transfer", cp.TransferID).Warnf("Dropping checkpoint: %v", err)
			errs = multierr.Append(errs, r.store.DeleteCheckpoint(cp.TransferID))
			continue
		}
		r.add(t)
		t.log.WithField("at", humanize.IBytes(uint64(t.bytes))).Info("Transfer restored")
		r.changed(t)
	}
	return errs
}

func (r *Registry) restore(cp Checkpoint) (*Transfer, error) {
	t := r.newTransfer(cp.TransferID, cp.PeerID, cp.Direction)
	t.name = cp.FileName
	t.size = cp.FileSize
	t.mime = cp.MimeType
	t.chunkSize = cp.ChunkSize
	t.class = cp.Class
	t.path = cp.FilePath
	t.bytes = cp.BytesTransferred
	t.resumeOffset = cp.BytesTransferred
	t.state = StatePaused
	t.saved = true
	t.lastSaved = cp.BytesTransferred
	if t.chunkSize <= 0 || t.chunkSize+protocol.FrameOverhead > int(r.cfg.HighWaterMark) {
		t.chunkSize = r.cfg.ChunkSize
	}

	switch cp.Direction {
	case DirectionSend:
		if cp.FilePath == "" {
			return nil, errors.New("source cannot be reopened")
		}
		f, err := OpenFile(cp.FilePath)
		if err != nil {
			return nil, err
		}
		if f.Size != cp.FileSize {
			_ = f.Source.Close()
			return nil, fmt.Errorf("%w: %s changed size", ErrIntegrityMismatch, cp.FilePath)
		}
		t.src = f.Source
	case DirectionReceive:
		if cp.Class != StreamingDisk {
			return nil, errors.New("memory-buffered receive is not resumable")
		}
		sink, err := OpenDiskSink(r.cfg.DownloadDir, cp.TransferID, cp.FileName, cp.BytesTransferred)
		if err != nil {
			return nil, err
		}
		t.sink = sink
		t.path = sink.Path()
	default:
		return nil, fmt.Errorf("unknown direction %q", cp.Direction)
	}
	return t, nil
}

// HandleMessage processes a transfer.* signaling message from peer from.
func (r *Registry) HandleMessage(from string, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.TransferRequest:
		r.handleRequest(from, m)
	case *protocol.TransferAccept:
		t := r.owned(from, m.TransferID, DirectionSend)
		if t == nil {
			return
		}
		switch t.state {
		case StateRequested, StateConnecting, StatePaused:
			if t.conn != nil {
				return
			}
			_ = t.accepted(m.ResumeOffset)
		}
	case *protocol.TransferReject:
		t := r.owned(from, m.TransferID, "")
		if t == nil || t.state.Terminal() {
			return
		}
		err := errorFromCode(m.Reason)
		if t.state == StateRequested && t.direction == DirectionSend {
			t.log.WithField("reason", m.Reason).Info("Transfer rejected")
			t.reject(err)
			return
		}
		t.fail(fmt.Errorf("%w: %s", err, m.Reason), false)
	case *protocol.TransferCancel:
		t := r.owned(from, m.TransferID, "")
		if t == nil {
			return
		}
		t.cancel(false)
	}
}

func (r *Registry) handleRequest(from string, m *protocol.TransferRequest) {
	if t, ok := r.transfers[m.TransferID]; ok {
		if t.peerID != from || t.direction != DirectionReceive {
			r.log.WithField("transfer", m.TransferID).Warn("Ignoring request for a transfer owned elsewhere")
			return
		}
		switch {
		case t.state == StatePaused && t.conn == nil:
			if err := t.reconnect(); err != nil {
				t.log.Warnf("Resume handshake failed: %v", err)
			}
		case t.state == StateConnecting && t.conn != nil:
			// The sender missed our accept.
			if err := t.listen(); err != nil {
				t.log.Warnf("Resume handshake failed: %v", err)
			}
		}
		return
	}

	log := r.log.WithFields(logrus.Fields{"transfer": m.TransferID, "peer": from})
	if m.ResumeFrom > 0 {
		log.Warn("Peer resumes a transfer we have no record of")
		r.reply(from, m.TransferID, protocol.ErrIntegrity)
		return
	}
	if m.TransferID == "" || m.FileSize < 0 || m.ChunkSize <= 0 || m.ChunkSize > protocol.MaxChunkSize {
		r.reply(from, m.TransferID, protocol.ErrInvalidMsg)
		return
	}

	t := r.newTransfer(m.TransferID, from, DirectionReceive)
	t.name = SanitizeName(m.FileName)
	t.size = m.FileSize
	t.mime = m.MimeType
	t.chunkSize = m.ChunkSize
	t.class = r.opts.Capability.Class

	if !r.opts.Capability.Allows(m.FileSize) {
		log.WithFields(logrus.Fields{
			"size":  humanize.IBytes(uint64(m.FileSize)),
			"limit": humanize.IBytes(uint64(r.opts.Capability.MaxBytes)),
			"class": r.opts.Capability.Class,
		}).Info("Transfer exceeds capacity, rejecting")
		r.reply(from, m.TransferID, protocol.ErrCapacityExceeded)
		t.state = StateRejected
		t.err = fmt.Errorf("%w: %s is over the %s limit", ErrCapacityExceeded,
			humanize.IBytes(uint64(m.FileSize)), humanize.IBytes(uint64(r.opts.Capability.MaxBytes)))
		r.add(t)
		r.changed(t)
		return
	}

	t.state = StateRequested
	r.add(t)
	log.WithFields(logrus.Fields{
		"file": t.name,
		"size": humanize.IBytes(uint64(t.size)),
	}).Info("Incoming transfer")
	r.changed(t)
	if r.opts.OnRequest != nil {
		r.opts.OnRequest(t.Snapshot())
	}
}

func (r *Registry) reply(to, id string, code protocol.ErrorCode) {
	if err := r.send(to, &protocol.TransferReject{TransferID: id, Reason: code}); err != nil {
		r.log.Debugf("Reject not delivered: %v", err)
	}
}

// HandleConnEvent processes an event from the byte transport.
func (r *Registry) HandleConnEvent(ev transport.Event) {
	t, ok := r.transfers[ev.TransferID]
	if !ok || t.conn == nil || ev.Conn != t.conn {
		if ev.Kind == transport.EventOpen && ev.Conn != nil {
			_ = ev.Conn.Close()
		}
		return
	}

	switch ev.Kind {
	case transport.EventOpen:
		t.opened()
	case transport.EventMessage:
		f, err := protocol.UnmarshalFrame(ev.Data)
		if err != nil {
			t.fail(fmt.Errorf("%w: bad frame: %v", ErrIntegrityMismatch, err), true)
			return
		}
		if f.TransferID != t.id {
			t.log.Warnf("Dropping frame for transfer %s", f.TransferID)
			return
		}
		t.handleFrame(f)
	case transport.EventBufferedLow:
		t.bufferedLow()
	case transport.EventClosed, transport.EventError:
		if t.state.Terminal() {
			t.releaseConn()
			return
		}
		cause := ev.Err
		if cause == nil {
			cause = transport.ErrClosed
		}
		t.connectionLost(cause)
	}
}

// PeerUnreachable fails handshakes with peerID that cannot progress
// without signaling.
func (r *Registry) PeerUnreachable(peerID string) {
	for _, t := range r.sorted() {
		if t.peerID != peerID || t.state.Terminal() {
			continue
		}
		switch {
		case t.state == StateRequested:
			t.fail(ErrSignalingUnavailable, false)
		case t.state == StateConnecting && !t.open:
			t.fail(ErrSignalingUnavailable, false)
		}
	}
}

// Close pauses every active transfer, persists its checkpoint and releases
// files and channels.
func (r *Registry) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	clock.Stop(r.flushTimer)
	r.flushTimer = nil

	var errs error
	for _, t := range r.sorted() {
		if t.state.Terminal() {
			continue
		}
		switch t.state {
		case StateTransferring, StateConnecting, StateAccepted:
			t.stopStall()
			t.checkpoint()
			t.state = StatePaused
		case StatePaused:
			t.checkpoint()
		}
		t.stopStall()
		if t.conn != nil {
			errs = multierr.Append(errs, ignoreClosed(t.conn.Close()))
			t.conn = nil
			t.open = false
		}
		if t.src != nil {
			errs = multierr.Append(errs, t.src.Close())
			t.src = nil
		}
		if t.sink != nil {
			errs = multierr.Append(errs, t.sink.Close())
			t.sink = nil
		}
	}
	return errs
}

func ignoreClosed(err error) error {
	if errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

func (r *Registry) lookup(id string) (*Transfer, error) {
	t, ok := r.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.closed {
		return nil, ErrInvalidState
	}
	return t, nil
}

// owned returns the transfer id if peer from is its counterpart.
func (r *Registry) owned(from, id string, dir Direction) *Transfer {
	t, ok := r.transfers[id]
	if !ok || t.peerID != from || (dir != "" && t.direction != dir) {
		r.log.WithFields(logrus.Fields{"transfer": id, "peer": from}).Debug("Ignoring message for unknown transfer")
		return nil
	}
	return t
}

func (r *Registry) sorted() []*Transfer {
	ids := make([]string, 0, len(r.transfers))
	for id := range r.transfers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Transfer, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.transfers[id])
	}
	return out
}

func (r *Registry) send(to string, msg protocol.Message) error {
	if err := r.opts.Outbox.Send(to, msg); err != nil {
		if errors.Is(err, signaling.ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}
	return nil
}

func (r *Registry) changed(t *Transfer) {
	if r.opts.OnChange != nil {
		r.opts.OnChange(t.Snapshot())
	}
}

// armFlush starts the periodic checkpoint flush if it is not running.
func (r *Registry) armFlush() {
	if r.flushTimer != nil || r.closed || r.cfg.CheckpointInterval <= 0 {
		return
	}
	r.flushTimer = r.clock.AfterFunc(r.cfg.CheckpointInterval, r.flush)
}

func (r *Registry) flush() {
	r.flushTimer = nil
	active := false
	for _, t := range r.sorted() {
		if t.state != StateTransferring {
			continue
		}
		active = true
		t.checkpoint()
		if t.direction == DirectionReceive {
			t.sendAck()
		}
	}
	if active {
		r.armFlush()
	}
}
