package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/peer-call/internal/logger"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

type Config struct {
	Addr   string
	Logger *logrus.Logger
}

type Server struct {
	hub      *Hub
	log      *logrus.Logger
	codec    *protocol.Codec
	listener net.Listener
	http     *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*peerConn]struct{}
}

func NewServer(cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	log := logger.OrDiscard(cfg.Logger)
	s := &Server{
		hub:      NewHub(log),
		log:      log,
		codec:    protocol.NewCodec(),
		listener: ln,
		conns:    make(map[*peerConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves until ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.log.WithField("addr", s.Addr()).Info("Relay server started")

	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(s.listener) }()

	select {
	case <-ctx.Done():
		_ = s.Shutdown()
		<-errc
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Shutdown() error {
	s.log.Info("Shutting down relay server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)

	// Hijacked websocket connections are not tracked by http.Server.
	s.mu.Lock()
	for p := range s.conns {
		_ = p.conn.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithField("peer", peerID).Warnf("Upgrade failed: %v", err)
		return
	}

	p := &peerConn{
		id:    peerID,
		conn:  conn,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
		codec: s.codec,
		log:   s.log.WithField("peer", peerID),
	}
	s.mu.Lock()
	s.conns[p] = struct{}{}
	s.mu.Unlock()
	s.hub.Register(peerID, p)
	p.log.Info("Peer connected")

	go p.writePump()
	p.readPump(s.hub)

	s.hub.Unregister(peerID, p)
	close(p.done)
	s.mu.Lock()
	delete(s.conns, p)
	s.mu.Unlock()
	p.log.Info("Peer disconnected")
}

type peerConn struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	codec *protocol.Codec
	log   *logrus.Entry
}

func (p *peerConn) Deliver(env protocol.Envelope) bool {
	data, err := p.codec.EncodeToBytes(env)
	if err != nil {
		p.log.Errorf("Failed to encode envelope: %v", err)
		return false
	}
	select {
	case <-p.done:
		return false
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *peerConn) readPump(hub *Hub) {
	defer p.conn.Close()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Warnf("Unexpected close: %v", err)
			}
			return
		}

		env, err := p.codec.DecodeFromBytes(data)
		if err != nil {
			p.log.Warnf("Invalid envelope: %v", err)
			continue
		}
		hub.Route(p.id, env)
	}
}

func (p *peerConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				p.log.Debugf("Write failed: %v", err)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
