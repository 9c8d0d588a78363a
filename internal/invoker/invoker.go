package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/stagerun-org/stagerun/internal/backoff"
	"github.com/stagerun-org/stagerun/internal/logger"
)

// ErrTimeout is returned when the wall-clock budget elapses before any
// attempt succeeds.
var ErrTimeout = errors.New("invoker: post timed out")

// contentType is the framed wire format of worker requests.
const contentType = "application/octet-stream"

// Options tune a single logical POST.
type Options struct {
	// Timeout is the overall wall-clock budget across all attempts.
	Timeout time.Duration
	// PostRatio scales the per-attempt timeout as a fraction of Timeout.
	// Zero falls back to a 1s per-attempt timeout.
	PostRatio float64
}

// Invoker POSTs octet-stream bodies and retries until a 2xx arrives or the
// budget elapses. Connection refusals are expected while a worker container
// is still starting, so every failure is retriable.
type Invoker struct {
	client *resty.Client
}

// New creates an Invoker with a shared HTTP client.
func New() *Invoker {
	return &Invoker{client: resty.New()}
}

// Post sends body to url until a 2xx response or the budget in opts elapses.
// Returns the response body of the successful attempt.
func (inv *Invoker) Post(ctx context.Context, url string, body []byte, opts Options) ([]byte, error) {
	budget := opts.Timeout
	if budget <= 0 {
		budget = 10 * time.Second
	}
	attemptTimeout := time.Second
	if opts.PostRatio > 0 {
		attemptTimeout = time.Duration(float64(budget) * opts.PostRatio)
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	policy := backoff.NewExponentialBackoffPolicy(100 * time.Millisecond)
	policy.BackoffFactor = 1.5
	policy.MaxInterval = budget / 2

	var reply []byte
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		resp, err := inv.client.R().
			SetContext(attemptCtx).
			SetHeader("Content-Type", contentType).
			SetBody(body).
			Post(url)
		if err != nil {
			logger.Debug(ctx, "POST attempt failed", "url", url, "err", err)
			return err
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			logger.Warn(ctx, "POST response status is not OK", "url", url, "status", resp.StatusCode())
			return fmt.Errorf("invoker: %s returned %d", url, resp.StatusCode())
		}
		reply = resp.Body()
		return nil
	}, policy, nil)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, url, budget)
		}
		return nil, err
	}
	return reply, nil
}
