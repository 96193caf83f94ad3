package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"inputlockd/internal/authz"
	"inputlockd/internal/logging"
)

// ServerConfig configures the IPC server.
type ServerConfig struct {
	// SocketPath is the unix socket the server listens on.
	SocketPath string

	// Version is the daemon version reported in handshakes.
	Version string
}

// Handler processes lock operation requests. Control and subscription
// frames are handled by the server itself.
type Handler interface {
	HandleMessage(clientID string, msg *Message) (*Message, error)
}

// Server is the daemon side of the lock service endpoint. Every
// accepted connection passes through the authorizer before its first
// frame is read; rejected peers are closed with no protocol traffic.
type Server struct {
	cfg        ServerConfig
	handler    Handler
	authorizer *authz.Authorizer
	log        *logging.Logger

	listener net.Listener
	running  atomic.Bool

	mu      sync.Mutex
	clients map[string]*serverClient

	events chan StateEvent
	stop   chan struct{}
	wg     sync.WaitGroup
}

type serverClient struct {
	id         string
	conn       net.Conn
	writeMu    sync.Mutex
	handshaked bool
	subscribed atomic.Bool
}

// NewServer creates an IPC server. The authorizer is mandatory.
func NewServer(cfg ServerConfig, handler Handler, authorizer *authz.Authorizer, log *logging.Logger) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("socket path not configured")
	}
	if authorizer == nil {
		return nil, fmt.Errorf("authorizer is required")
	}
	return &Server{
		cfg:        cfg,
		handler:    handler,
		authorizer: authorizer,
		log:        log.WithComponent("ipc-server"),
		clients:    make(map[string]*serverClient),
		events:     make(chan StateEvent, 64),
		stop:       make(chan struct{}),
	}, nil
}

// Start begins listening on the unix socket.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server already running")
	}

	dir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		s.running.Store(false)
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Stale socket from an unclean shutdown.
	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.running.Store(false)
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		s.running.Store(false)
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener

	s.wg.Add(2)
	go s.acceptLoop()
	go s.eventLoop()

	s.log.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop shuts the server down and disconnects all clients.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.stop)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.clients = make(map[string]*serverClient)
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.cfg.SocketPath)
	s.log.Info("ipc server stopped")
	return nil
}

// Broadcast queues a state event for delivery to all subscribers. It
// never blocks the caller; delivery is asynchronous and best-effort.
func (s *Server) Broadcast(locked bool, at time.Time) {
	ev := StateEvent{Locked: locked, Timestamp: at}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event queue full, dropping state event")
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				s.log.Error("accept failed", "error", err)
			}
			return
		}

		// Authorization happens here, before the read loop exists. An
		// unauthorized peer sees only a closed connection.
		if err := s.authorizer.Authorize(conn); err != nil {
			conn.Close()
			continue
		}

		client := &serverClient{
			id:   uuid.New().String(),
			conn: conn,
		}
		s.mu.Lock()
		s.clients[client.id] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleClient(client)
	}
}

func (s *Server) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.deliverEvent(ev)
		case <-s.stop:
			return
		}
	}
}

func (s *Server) deliverEvent(ev StateEvent) {
	msg, err := NewResponse(MsgEvent, 0, &ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	subscribers := make([]*serverClient, 0, len(s.clients))
	for _, c := range s.clients {
		if c.subscribed.Load() {
			subscribers = append(subscribers, c)
		}
	}
	s.mu.Unlock()

	for _, c := range subscribers {
		if err := c.write(msg); err != nil {
			s.log.Debug("event delivery failed", "client", c.id, "error", err)
		}
	}
}

func (s *Server) handleClient(client *serverClient) {
	defer s.wg.Done()
	defer func() {
		client.conn.Close()
		s.mu.Lock()
		delete(s.clients, client.id)
		s.mu.Unlock()
		s.log.Debug("client disconnected", "client", client.id)
	}()

	for {
		msg, err := ReadMessage(client.conn)
		if err != nil {
			return
		}

		resp := s.processMessage(client, msg)
		if resp != nil {
			if err := client.write(resp); err != nil {
				return
			}
		}

		// A request before the handshake (ping excepted) terminates
		// the connection after the error frame is sent.
		if !client.handshaked &&
			msg.Header.Type != MsgHandshake && msg.Header.Type != MsgPing {
			return
		}
	}
}

func (s *Server) processMessage(client *serverClient, msg *Message) *Message {
	reqID := msg.Header.RequestID

	switch msg.Header.Type {
	case MsgHandshake:
		var req HandshakeRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(reqID, CodeInvalidRequest, "malformed handshake")
		}
		if req.ProtocolVersion > ProtocolVersion {
			return NewErrorMessage(reqID, CodeInvalidRequest,
				fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion))
		}
		client.handshaked = true
		s.log.Debug("client connected",
			"client", client.id, "name", req.ClientName, "version", req.ClientVersion)
		resp, err := NewResponse(MsgHandshakeAck, reqID, &HandshakeResponse{
			ServerVersion:   s.cfg.Version,
			ProtocolVersion: ProtocolVersion,
			SessionID:       client.id,
		})
		if err != nil {
			return NewErrorMessage(reqID, CodeInternal, "internal error")
		}
		return resp

	case MsgPing:
		return NewMessage(MsgPong, reqID, nil)
	}

	if !client.handshaked {
		return NewErrorMessage(reqID, CodeInvalidRequest, "handshake required")
	}

	switch msg.Header.Type {
	case MsgSubscribe:
		client.subscribed.Store(true)
		resp, err := NewResponse(MsgSubscribeResp, reqID, &SubscribeResponse{
			SubscriptionID: uuid.New().String(),
		})
		if err != nil {
			return NewErrorMessage(reqID, CodeInternal, "internal error")
		}
		return resp

	case MsgUnsubscribe:
		client.subscribed.Store(false)
		return NewMessage(MsgUnsubscribeResp, reqID, nil)
	}

	if s.handler == nil {
		return NewErrorMessage(reqID, CodeInternal, "no handler configured")
	}
	resp, err := s.handler.HandleMessage(client.id, msg)
	if err != nil {
		s.log.Error("handler error", "type", msg.Header.Type, "error", err)
		return NewErrorMessage(reqID, CodeInternal, "internal error")
	}
	return resp
}

func (c *serverClient) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	defer c.conn.SetWriteDeadline(time.Time{})
	return msg.Write(c.conn)
}
