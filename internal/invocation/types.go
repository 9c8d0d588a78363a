package invocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// FinalOutputsPrefix namespaces workflow final outputs inside the Store.
const FinalOutputsPrefix = "__final_outputs__"

// FinalOutput as a destination stage routes a value to the workflow's final
// outputs instead of another stage.
const FinalOutput = ""

// TransportMode selects how inter-stage values travel.
type TransportMode string

const (
	// TransportAllRedis forces every transfer through the shared Store.
	TransportAllRedis TransportMode = "allRedis"
	// TransportAllTCP forces every transfer through worker caches.
	TransportAllTCP TransportMode = "allTCP"
	// TransportAuto uses the worker cache for same-node pairs and the Store
	// otherwise.
	TransportAuto TransportMode = "auto"
)

// ErrUnknownTransportMode is returned for unrecognized mode names.
var ErrUnknownTransportMode = errors.New("invocation: unknown transport mode")

// ParseTransportMode maps a CLI string to a TransportMode.
func ParseTransportMode(s string) (TransportMode, error) {
	switch TransportMode(s) {
	case TransportAllRedis, TransportAllTCP, TransportAuto:
		return TransportMode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransportMode, s)
	}
}

// Address locates one stage's worker: HTTP port plus the cache server port.
type Address struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	CachePort int    `json:"cachePort"`
}

// WorkerURL returns the worker's HTTP endpoint.
func (a Address) WorkerURL() string {
	return "http://" + net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// CacheAddr returns the host:port of the worker's TCP cache server.
func (a Address) CacheAddr() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.CachePort))
}

// Result is the Ok/Err envelope a worker writes under `{uid}-result`.
type Result struct {
	Ok        bool            `json:"ok"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
}

// OkResult wraps a successful return value.
func OkResult(value any) (Result, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Result{}, fmt.Errorf("invocation: encode result: %w", err)
	}
	return Result{Ok: true, Value: raw}, nil
}

// ErrResult wraps a handler failure.
func ErrResult(err error, traceback string) Result {
	return Result{Ok: false, Error: err.Error(), Traceback: traceback}
}

// Encode serializes the result for the Store.
func (r Result) Encode() []byte {
	raw, _ := json.Marshal(r)
	return raw
}

// DecodeResult parses a stored result envelope.
func DecodeResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("invocation: decode result: %w", err)
	}
	return r, nil
}

// RequestType discriminates worker requests.
const (
	TypeLambdaCall = "lambda-call"
	TypeCachePut   = "cache-put"
	TypeCacheGet   = "cache-get"
	TypeCacheClear = "cache-clear"
)

// Request is the framed body of every worker POST.
type Request struct {
	Type     string    `json:"type"`
	Metadata *Metadata `json:"metadata,omitempty"`
	Key      string    `json:"key,omitempty"`
	Value    []byte    `json:"value,omitempty"`
	Prefix   string    `json:"prefix,omitempty"`
}

// Encode serializes the request for the wire.
func (r Request) Encode() []byte {
	raw, _ := json.Marshal(r)
	return raw
}

// DecodeRequest parses a framed worker request.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("invocation: decode request: %w", err)
	}
	if r.Type == "" {
		return Request{}, errors.New("invocation: request type is missing")
	}
	return r, nil
}
