package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stagerun-org/stagerun/internal/invoker"
	"github.com/stagerun-org/stagerun/internal/logger"
	"github.com/stagerun-org/stagerun/internal/store"
)

// VendorConfig maps stage names to their vendor function URLs.
type VendorConfig struct {
	// URLs maps each stage to the vendor's invocation endpoint.
	URLs    map[string]string
	Invoker *invoker.Invoker
	Store   store.Store
	Timeout time.Duration
}

// Vendor invokes stages through vendor FaaS HTTP endpoints: Call posts the
// event and decodes the JSON reply, Tell is fire-and-forget.
type Vendor struct {
	cfg VendorConfig
}

// NewVendor builds the vendor FaaS backend.
func NewVendor(cfg VendorConfig) *Vendor {
	if cfg.Invoker == nil {
		cfg.Invoker = invoker.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Vendor{cfg: cfg}
}

var _ Backend = (*Vendor)(nil)

func (b *Vendor) url(stage string) (string, error) {
	u, ok := b.cfg.URLs[stage]
	if !ok {
		return "", fmt.Errorf("runtime: no function URL for stage %s", stage)
	}
	return u, nil
}

func (b *Vendor) Call(ctx context.Context, stage string, params map[string]any) (any, error) {
	u, err := b.url(stage)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("runtime: encode %s event: %w", stage, err)
	}
	reply, err := b.cfg.Invoker.Post(ctx, u, body, invoker.Options{Timeout: b.cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("runtime: invoke %s: %w", stage, err)
	}
	var value any
	if len(reply) > 0 {
		if err := json.Unmarshal(reply, &value); err != nil {
			return nil, fmt.Errorf("runtime: decode %s reply: %w", stage, err)
		}
	}
	return value, nil
}

// Tell posts the event in the background and never reports the outcome. The
// returned thunk is a no-op.
func (b *Vendor) Tell(ctx context.Context, stage string, params map[string]any) (Thunk, error) {
	u, err := b.url(stage)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("runtime: encode %s event: %w", stage, err)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.Timeout)
		defer cancel()
		if _, err := b.cfg.Invoker.Post(ctx, u, body, invoker.Options{Timeout: b.cfg.Timeout}); err != nil {
			logger.Warn(ctx, "Fire-and-forget invoke failed", "stage", stage, "err", err)
		}
	}()
	return noopThunk, nil
}

func (b *Vendor) Storage() store.Store { return b.cfg.Store }
