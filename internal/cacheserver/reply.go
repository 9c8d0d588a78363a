package cacheserver

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	msgPrefix = []byte("===msg: ")
	objPrefix = []byte("===obj: ")
)

// ErrBadFrame is returned when a reply does not carry a known prefix.
var ErrBadFrame = errors.New("cacheserver: invalid reply format")

// Reply is the framed response of the cache server: either a textual message
// (miss, protocol error) or the raw object bytes.
type Reply struct {
	Msg string
	Obj []byte
}

// IsMsg reports whether the reply carries a message instead of an object.
func (r Reply) IsMsg() bool { return r.Obj == nil }

// Encode frames the reply for the wire.
func (r Reply) Encode() []byte {
	if r.Obj != nil {
		return append(append([]byte{}, objPrefix...), r.Obj...)
	}
	return append(append([]byte{}, msgPrefix...), []byte(r.Msg)...)
}

// DecodeReply parses a framed reply.
func DecodeReply(data []byte) (Reply, error) {
	switch {
	case bytes.HasPrefix(data, msgPrefix):
		return Reply{Msg: string(data[len(msgPrefix):])}, nil
	case bytes.HasPrefix(data, objPrefix):
		return Reply{Obj: data[len(objPrefix):]}, nil
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrBadFrame, truncate(data, 32))
	}
}

func truncate(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	return data[:n]
}
