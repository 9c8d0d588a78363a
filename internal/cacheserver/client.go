package cacheserver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrMiss is returned when the remote cache does not hold the key.
var ErrMiss = errors.New("cacheserver: remote miss")

// Fetch asks the cache server at addr for key over a fresh TCP connection.
// This is the fast path for same-rack reads when the transport policy allows
// a direct fetch.
func Fetch(addr, key string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("cacheserver: dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write([]byte(key)); err != nil {
		return nil, fmt.Errorf("cacheserver: send %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.CloseWrite()
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("cacheserver: read %s: %w", addr, err)
	}

	reply, err := DecodeReply(data)
	if err != nil {
		return nil, err
	}
	if reply.IsMsg() {
		return nil, fmt.Errorf("%w: %s", ErrMiss, reply.Msg)
	}
	return reply.Obj, nil
}
