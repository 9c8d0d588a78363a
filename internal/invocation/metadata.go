package invocation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/stagerun-org/stagerun/internal/cache"
	"github.com/stagerun-org/stagerun/internal/invoker"
	"github.com/stagerun-org/stagerun/internal/logger"
	"github.com/stagerun-org/stagerun/internal/store"
)

// ErrNotCalled is returned when a lifecycle query happens before RemoteCall.
var ErrNotCalled = errors.New("invocation: remote call has not been issued yet")

// Metadata describes a series of tries of one stage invocation. The
// controller creates it, serializes it inside a lambda-call request, and the
// worker binds its local Store/cache handles before executing. It is the
// only record shared between the two sides.
type Metadata struct {
	// Namespace is `{app}-{engineID}`, the prefix of every Store key this
	// workflow instance produces.
	Namespace string `json:"namespace"`
	Stage     string `json:"stage"`
	// Schedule maps every stage to its worker address.
	Schedule  map[string]Address `json:"schedule"`
	TransMode TransportMode      `json:"transMode"`
	Params    map[string]any     `json:"params"`

	// ID identifies all tries of this invocation; UID identifies one try.
	ID      string `json:"id"`
	UID     string `json:"uid"`
	CallCnt int    `json:"callCnt"`

	RemoteCallTimeout time.Duration `json:"remoteCallTimeout"`
	PostRatio         float64       `json:"postRatio"`

	CallTime   time.Time `json:"callTime,omitzero"`
	FinishTime time.Time `json:"finishTime,omitzero"`

	// Bound process-locally, never serialized.
	store   store.Store      `json:"-"`
	cache   *cache.Cache     `json:"-"`
	invoker *invoker.Invoker `json:"-"`
	retval  *Result          `json:"-"`
}

// Config bundles the controller-side inputs for a new Metadata.
type Config struct {
	Namespace         string
	Stage             string
	Schedule          map[string]Address
	TransMode         TransportMode
	Params            map[string]any
	Store             store.Store
	Invoker           *invoker.Invoker
	RemoteCallTimeout time.Duration
	PostRatio         float64
}

// New creates a Metadata for one stage of one workflow instance.
func New(cfg Config) (*Metadata, error) {
	if _, ok := cfg.Schedule[cfg.Stage]; !ok {
		return nil, fmt.Errorf("invocation: stage %s is not in the schedule", cfg.Stage)
	}
	inv := cfg.Invoker
	if inv == nil {
		inv = invoker.New()
	}
	return &Metadata{
		Namespace:         cfg.Namespace,
		Stage:             cfg.Stage,
		Schedule:          cfg.Schedule,
		TransMode:         cfg.TransMode,
		Params:            cfg.Params,
		ID:                fmt.Sprintf("%s-%s-%d", cfg.Namespace, cfg.Stage, rand.IntN(100000)),
		RemoteCallTimeout: cfg.RemoteCallTimeout,
		PostRatio:         cfg.PostRatio,
		store:             cfg.Store,
		invoker:           inv,
	}, nil
}

// Bind attaches the process-local Store, cache and invoker handles. The
// worker calls this after decoding a lambda-call request.
func (m *Metadata) Bind(s store.Store, c *cache.Cache, inv *invoker.Invoker) {
	m.store = s
	m.cache = c
	if inv == nil {
		inv = invoker.New()
	}
	m.invoker = inv
}

// Store returns the bound Store handle.
func (m *Metadata) Store() store.Store { return m.store }

// NamespacePrefix prefixes every Store key of this workflow instance.
func (m *Metadata) NamespacePrefix() string {
	return m.Namespace + "-"
}

func (m *Metadata) resultKey() string {
	return m.UID + "-result"
}

// RemoteCall issues (or re-issues) the stage invocation to its worker. Each
// call mints a fresh UID so retries never write to the same result key.
func (m *Metadata) RemoteCall(ctx context.Context) error {
	m.FinishTime = time.Time{}
	m.retval = nil
	m.CallTime = time.Now()
	m.UID = fmt.Sprintf("%s-uid-%d", m.ID, m.CallCnt)
	m.CallCnt++

	addr := m.Schedule[m.Stage]
	logger.Debug(ctx, "Remote call", "id", m.ID, "uid", m.UID, "addr", addr.WorkerURL())

	body := Request{Type: TypeLambdaCall, Metadata: m}.Encode()
	_, err := m.invoker.Post(ctx, addr.WorkerURL(), body, invoker.Options{
		Timeout:   m.RemoteCallTimeout,
		PostRatio: m.PostRatio,
	})
	if err != nil {
		m.CallTime = time.Time{}
		return fmt.Errorf("invocation: remote call %s: %w", m.UID, err)
	}
	return nil
}

// FetchRetval polls the Store once for this try's result. Returns true when
// a result envelope has been observed (now or earlier).
func (m *Metadata) FetchRetval(ctx context.Context) bool {
	if m.retval != nil {
		return true
	}
	raw, err := m.store.Extract(ctx, m.resultKey())
	if err != nil {
		return false
	}
	result, err := DecodeResult(raw)
	if err != nil {
		logger.Error(ctx, "Malformed result envelope", "key", m.resultKey(), "err", err)
		return false
	}
	m.retval = &result
	m.FinishTime = time.Now()
	return true
}

// Working reports whether the latest try has no result yet.
func (m *Metadata) Working() bool { return !m.CallTime.IsZero() && m.retval == nil }

// Failed reports whether the latest try returned Err.
func (m *Metadata) Failed() bool { return m.retval != nil && !m.retval.Ok }

// Succeeded reports whether the latest try returned Ok.
func (m *Metadata) Succeeded() bool { return m.retval != nil && m.retval.Ok }

// Reply returns the result envelope of the latest try, if any.
func (m *Metadata) Reply() (Result, error) {
	if m.retval == nil {
		return Result{}, ErrNotCalled
	}
	return *m.retval, nil
}

// Deadline reports whether the latest try has been executing longer than
// the given timeout.
func (m *Metadata) Deadline(timeout time.Duration) bool {
	return m.Working() && time.Since(m.CallTime) > timeout
}

// UpdateStatus writes the try's result envelope to the Store. Called by the
// worker exactly once per try.
func (m *Metadata) UpdateStatus(ctx context.Context, result Result) error {
	return m.store.Put(ctx, m.resultKey(), result.Encode())
}

// CacheClear asks this stage's worker to drop all cache entries of the
// namespace. Best effort.
func (m *Metadata) CacheClear(ctx context.Context, timeout time.Duration) {
	addr := m.Schedule[m.Stage]
	body := Request{Type: TypeCacheClear, Prefix: m.NamespacePrefix()}.Encode()
	_, err := m.invoker.Post(ctx, addr.WorkerURL(), body, invoker.Options{Timeout: timeout})
	if err != nil {
		logger.Warn(ctx, "Cache clear failed", "id", m.ID, "err", err)
	}
}
