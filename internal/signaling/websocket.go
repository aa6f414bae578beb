package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rudransh-shrivastava/peer-call/internal/logger"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
	inboundSize    = 256
)

type WebSocketOptions struct {
	URL    string
	PeerID string
	Logger *logrus.Logger
	// MaxReconnectInterval caps the delay between dial attempts.
	MaxReconnectInterval time.Duration
}

// WebSocket is a Signaler speaking to the relay over a websocket. It redials
// with exponential backoff whenever the connection drops.
type WebSocket struct {
	url       string
	codec     *protocol.Codec
	log       *logrus.Entry
	maxDelay  time.Duration
	dialer    *websocket.Dialer
	send      chan []byte
	inbound   chan Inbound
	connected atomic.Bool
	closed    chan struct{}
	closeOnce atomic.Bool
}

var _ Signaler = (*WebSocket)(nil)

func NewWebSocket(opts WebSocketOptions) (*WebSocket, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	if opts.PeerID == "" {
		return nil, errors.New("signaling: peer id required")
	}
	q := u.Query()
	q.Set("peer", opts.PeerID)
	u.RawQuery = q.Encode()

	maxDelay := opts.MaxReconnectInterval
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	return &WebSocket{
		url:      u.String(),
		codec:    protocol.NewCodec(),
		log:      logger.OrDiscard(opts.Logger).WithField("component", "signaling"),
		maxDelay: maxDelay,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		send:     make(chan []byte, sendBufferSize),
		inbound:  make(chan Inbound, inboundSize),
		closed:   make(chan struct{}),
	}, nil
}

func (w *WebSocket) Connected() bool {
	return w.connected.Load()
}

func (w *WebSocket) Send(to string, msg protocol.Message) error {
	if !w.connected.Load() {
		return ErrUnavailable
	}
	env, err := w.codec.Seal(to, msg)
	if err != nil {
		return err
	}
	data, err := w.codec.EncodeToBytes(env)
	if err != nil {
		return err
	}
	select {
	case w.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", ErrUnavailable)
	}
}

func (w *WebSocket) Inbound() <-chan Inbound {
	return w.inbound
}

func (w *WebSocket) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		conn, err := w.dial(ctx)
		if err != nil {
			return ctx.Err()
		}

		w.connected.Store(true)
		w.log.Info("Connected to relay")
		err = w.serve(ctx, conn)
		w.connected.Store(false)
		w.drainSend()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.log.Warnf("Relay connection lost: %v", err)
	}
}

func (w *WebSocket) Close() error {
	if w.closeOnce.CompareAndSwap(false, true) {
		close(w.closed)
	}
	return nil
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = w.maxDelay
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := w.dialer.DialContext(ctx, w.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		w.log.Debugf("Dial failed, retrying in %v: %v", next, err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.readPump(gctx, conn) })
	g.Go(func() error { return w.writePump(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	return g.Wait()
}

func (w *WebSocket) readPump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		env, err := w.codec.DecodeFromBytes(data)
		if err != nil {
			w.log.Warnf("Invalid envelope from relay: %v", err)
			continue
		}
		msg, err := w.codec.Open(env)
		if err != nil {
			w.log.WithField("from", env.From).Warnf("Dropping message: %v", err)
			continue
		}

		select {
		case w.inbound <- Inbound{From: env.From, Msg: msg}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *WebSocket) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return ctx.Err()
		case data := <-w.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// drainSend discards messages queued for a connection that is gone.
func (w *WebSocket) drainSend() {
	for {
		select {
		case <-w.send:
		default:
			return
		}
	}
}
