package cacheserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stagerun-org/stagerun/internal/cache"
	"github.com/stagerun-org/stagerun/internal/logger"
)

const (
	// maxKeyLen bounds the request frame; longer requests are rejected.
	maxKeyLen = 512
	// maxConns bounds the number of connections serviced concurrently.
	maxConns = 10
	// acceptTimeout is how often the accept loop polls the shutdown flag.
	acceptTimeout = 5 * time.Second
)

// Server answers raw-socket cache reads on the worker's second port. One
// request per connection: the client sends a key, the server replies with a
// framed Reply and closes.
type Server struct {
	cache       *cache.Cache
	addr        string
	connTimeout time.Duration

	listener net.Listener
	quit     atomic.Bool
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewServer creates a cache server bound to addr (host:port).
func NewServer(c *cache.Cache, addr string) *Server {
	return &Server{
		cache:       c,
		addr:        addr,
		connTimeout: acceptTimeout,
		sem:         make(chan struct{}, maxConns),
	}
}

// Addr returns the bound address. Valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Start binds the listener and launches the accept loop.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("cacheserver: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	logger.Info(ctx, "Cache server listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)
	return nil
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	if !s.quit.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	for {
		if s.quit.Load() {
			return
		}
		conn, err := listener.Accept()
		if err != nil {
			if s.quit.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn(ctx, "Cache server accept failed", "err", err)
			continue
		}

		s.sem <- struct{}{}
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer func() {
				<-s.sem
				s.wg.Done()
			}()
			s.handleConn(ctx, conn)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	buf := make([]byte, maxKeyLen+1)
	n := 0
	for n < len(buf) {
		read, err := conn.Read(buf[n:])
		n += read
		if err != nil {
			break
		}
	}
	if n == 0 {
		return
	}
	if n > maxKeyLen {
		_, _ = conn.Write(Reply{Msg: "Request too long."}.Encode())
		return
	}

	key := string(buf[:n])
	logger.Debug(ctx, "Cache server request", "key", key, "remote", conn.RemoteAddr().String())

	value, err := s.cache.Get(key)
	if err != nil {
		logger.Warn(ctx, "Cache server miss", "key", key)
		_, _ = conn.Write(Reply{Msg: "Key not found."}.Encode())
		return
	}
	_, _ = conn.Write(Reply{Obj: value}.Encode())
}
