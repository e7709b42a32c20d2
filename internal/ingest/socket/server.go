package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"telemetrygw/internal/dispatch"
	"telemetrygw/internal/errs"
	"telemetrygw/internal/metrics"
)

const (
	PromptPassword = "Enter password: "
	AccessGranted  = "Access granted. You can now send JSON messages.\n"
	AccessDenied   = "Access denied.\n"
	InvalidJSON    = "Error: Invalid JSON format\n"
	QueryFailed    = "Error: Query failed\n"
)

// Handler is the dispatcher as seen from a socket session.
type Handler interface {
	Dispatch(ctx context.Context, raw []byte, meta dispatch.Meta, sink dispatch.ReplySink) error
}

type Config struct {
	Network, Address string
	// Password is compared verbatim after trimming surrounding whitespace.
	// The exchange is plaintext; put the listener behind TLS or a private
	// network.
	Password    string
	AuthTimeout time.Duration
	TLSConfig   *tls.Config
}

func (c *Config) withDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 30 * time.Second
	}
}

func (c Config) Validate() error {
	if c.Address == "" {
		return errors.New("socket.address is required")
	}
	if c.Password == "" {
		return errors.New("socket.password is required")
	}
	return nil
}

type Server struct {
	cfg     Config
	handler Handler
	log     *zap.Logger
	metrics *metrics.Metrics

	ln     net.Listener
	addr   atomic.Value
	closed atomic.Bool
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewServer(cfg Config, h Handler, log *zap.Logger, m *metrics.Metrics) (*Server, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, handler: h, log: log.Named("socket"), metrics: m, conns: make(map[net.Conn]struct{})}, nil
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start accepts connections until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return errs.Transport("listen", err)
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())
	s.log.Info("listening", zap.String("address", s.Addr()))

	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errs.Transport("accept", err)
		}
		s.handleConn(ctx, conn)
	}
}

// Close stops accepting, closes every open session and waits for them.
// Sessions register under mu after checking closed, so none escapes the sweep.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// register adds c to the open sessions unless the server is closing.
func (s *Server) register(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) release(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	if !s.register(raw) {
		_ = raw.Close()
		return
	}
	go func() {
		defer s.release(raw)
		defer raw.Close()

		s.metrics.SocketSessionOpened()
		defer s.metrics.SocketSessionClosed()

		log := s.log.With(zap.String("remote", raw.RemoteAddr().String()))
		err := s.serve(ctx, raw, log)
		switch {
		case errors.Is(err, io.EOF):
			log.Debug("peer disconnected during authentication")
			return
		case err != nil:
			log.Info("session ended", zap.Error(err))
			return
		}
		log.Debug("session closed by peer")
	}()
}

type connection struct {
	c   net.Conn
	r   *bufio.Reader
	w   *bufio.Writer
	log *zap.Logger
}

func (c *connection) writeString(s string) error {
	if _, err := c.w.WriteString(s); err != nil {
		return err
	}
	return c.w.Flush()
}

func (s *Server) serve(ctx context.Context, raw net.Conn, log *zap.Logger) error {
	conn := &connection{c: raw, r: bufio.NewReader(raw), w: bufio.NewWriter(raw), log: log}

	ok, err := s.authenticate(conn)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrAuthFailed
	}
	log.Info("client authenticated")

	dec := json.NewDecoder(conn.r)
	sink := &lineSink{conn: conn}
	for {
		var msg json.RawMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) || errors.Is(err, io.ErrUnexpectedEOF) {
				_ = conn.writeString(InvalidJSON)
				return errs.Protocol("read", err)
			}
			return errs.Transport("read", err)
		}

		sink.written = 0
		err := s.handler.Dispatch(ctx, msg, dispatch.Meta{Origin: dispatch.OriginSocket}, sink)
		switch {
		case err == nil, dispatch.IsSilent(err):
		case errs.Is(err, errs.KindProtocol):
			_ = conn.writeString(InvalidJSON)
			return err
		case errs.Is(err, errs.KindStore):
			if sink.written == 0 {
				if werr := conn.writeString(QueryFailed); werr != nil {
					return errs.Transport("write", werr)
				}
			}
		case errs.Is(err, errs.KindTransport):
			return err
		}
	}
}

// authenticate runs the password challenge. A peer that disconnects before
// answering yields (false, io.EOF).
func (s *Server) authenticate(conn *connection) (bool, error) {
	if err := conn.writeString(PromptPassword); err != nil {
		return false, errs.Transport("prompt", err)
	}
	_ = conn.c.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	line, err := conn.r.ReadString('\n')
	_ = conn.c.SetReadDeadline(time.Time{})
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		if errors.Is(err, io.EOF) {
			return false, io.EOF
		}
		return false, errs.Transport("read password", err)
	}
	if strings.TrimSpace(line) != s.cfg.Password {
		_ = conn.writeString(AccessDenied)
		return false, nil
	}
	if err := conn.writeString(AccessGranted); err != nil {
		return false, errs.Transport("grant", err)
	}
	return true, nil
}

// lineSink writes each reply as one JSON document followed by a newline.
type lineSink struct {
	conn    *connection
	written int
}

func (l *lineSink) Reply(_ context.Context, rep dispatch.Reply) error {
	body, err := json.Marshal(rep.Body)
	if err != nil {
		return fmt.Errorf("marshal %s reply: %w", rep.Operation, err)
	}
	if _, err := l.conn.w.Write(append(body, '\n')); err != nil {
		return errs.Transport("write", err)
	}
	if err := l.conn.w.Flush(); err != nil {
		return errs.Transport("write", err)
	}
	l.written++
	return nil
}
