package invocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stagerun-org/stagerun/internal/cacheserver"
	"github.com/stagerun-org/stagerun/internal/invoker"
	"github.com/stagerun-org/stagerun/internal/logger"
	"github.com/stagerun-org/stagerun/internal/store"
)

// ErrMissingEntry is returned by GetExistedObject when the entry is absent
// or empty.
var ErrMissingEntry = errors.New("invocation: no such entry")

// ThroughStore decides the transport for a src→dst transfer. Unknown
// endpoints and the allRedis mode always go through the Store; in auto mode
// two stages on different nodes do too.
func (m *Metadata) ThroughStore(srcStage, dstStage string) bool {
	if srcStage == FinalOutput || dstStage == FinalOutput {
		return true
	}
	if m.TransMode == TransportAllRedis {
		return true
	}
	return m.TransMode == TransportAuto &&
		m.Schedule[srcStage].IP != m.Schedule[dstStage].IP
}

// Output publishes a value produced by this stage for the given destination
// stages. FinalOutput as a destination routes the value to the workflow's
// final outputs. With activeSend the value is pushed to each destination
// worker's cache; otherwise it is buffered locally awaiting a pull.
func (m *Metadata) Output(ctx context.Context, destStages []string, key string, value []byte, activeSend bool) error {
	finalKey := m.NamespacePrefix() + FinalOutputsPrefix + key
	nsKey := m.NamespacePrefix() + key

	putOnStore := false
	putOnCache := false

	for _, dest := range destStages {
		if m.ThroughStore(m.Stage, dest) {
			if putOnStore {
				continue
			}
			putOnStore = true
			outKey := nsKey
			if dest == FinalOutput {
				outKey = finalKey
			}
			if err := m.store.Put(ctx, outKey, value); err != nil {
				return err
			}
			continue
		}
		if activeSend {
			body := Request{Type: TypeCachePut, Key: nsKey, Value: value}.Encode()
			addr := m.Schedule[dest]
			if _, err := m.invoker.Post(ctx, addr.WorkerURL(), body, invoker.Options{}); err != nil {
				return fmt.Errorf("invocation: active send %s to %s: %w", key, dest, err)
			}
			continue
		}
		if !putOnCache {
			putOnCache = true
			logger.Debug(ctx, "Output buffered in local cache", "key", nsKey, "dest", dest)
			m.cache.Put(nsKey, value)
		}
	}
	return nil
}

// GetOptions tune a stage-input fetch.
type GetOptions struct {
	// Timeout bounds a blocking read. Zero means a single non-blocking probe.
	Timeout time.Duration
	// ActivePull fetches from the producer's worker instead of waiting on
	// the local cache.
	ActivePull bool
	// TCPDirect uses the raw TCP cache server for an active pull; otherwise
	// the HTTP cache-get request is used.
	TCPDirect bool
}

// GetObject fetches a value produced by srcStage. FinalOutput as the source
// treats key as a global Store key outside the namespace.
func (m *Metadata) GetObject(ctx context.Context, srcStage, key string, opts GetOptions) ([]byte, error) {
	nsKey := key
	if srcStage != FinalOutput {
		nsKey = m.NamespacePrefix() + key
	}

	if m.ThroughStore(srcStage, m.Stage) {
		value, err := m.store.GetWait(ctx, nsKey, opts.Timeout)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return value, err
	}

	if opts.ActivePull {
		addr := m.Schedule[srcStage]
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		if opts.TCPDirect {
			value, err := cacheserver.Fetch(addr.CacheAddr(), nsKey, timeout)
			if err != nil {
				logger.Warn(ctx, "TCP cache fetch failed", "key", nsKey, "addr", addr.CacheAddr(), "err", err)
				return nil, nil
			}
			return value, nil
		}
		body := Request{Type: TypeCacheGet, Key: nsKey}.Encode()
		value, err := m.invoker.Post(ctx, addr.WorkerURL(), body, invoker.Options{Timeout: timeout})
		if err != nil {
			return nil, nil
		}
		return value, nil
	}

	value, err := m.cache.Wait(ctx, nsKey, opts.Timeout)
	if err != nil {
		return nil, nil
	}
	return value, nil
}

// GetExistedObject is GetObject failing loudly when the entry is missing.
func (m *Metadata) GetExistedObject(ctx context.Context, srcStage, key string, opts GetOptions) ([]byte, error) {
	value, err := m.GetObject(ctx, srcStage, key, opts)
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingEntry, key)
	}
	return value, nil
}
