package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagerun-org/stagerun/internal/invocation"
	"github.com/stagerun-org/stagerun/internal/store"
)

type testWorker struct {
	*Worker
	srv   *httptest.Server
	store store.Store
}

func newTestWorker(t *testing.T, handler StageHandler) *testWorker {
	t.Helper()
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	w, err := New(Config{Stage: "split", Handler: handler, Store: st, Parallelism: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w.StartExecutors(ctx)

	srv := httptest.NewServer(w.Handler())
	t.Cleanup(srv.Close)
	return &testWorker{Worker: w, srv: srv, store: st}
}

func (tw *testWorker) post(t *testing.T, req invocation.Request) *http.Response {
	t.Helper()
	resp, err := http.Post(tw.srv.URL+"/", "application/octet-stream", bytes.NewReader(req.Encode()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func lambdaCall(id string, callCnt int) invocation.Request {
	return invocation.Request{
		Type: invocation.TypeLambdaCall,
		Metadata: &invocation.Metadata{
			Namespace: "app-0",
			Stage:     "split",
			Schedule:  map[string]invocation.Address{"split": {IP: "127.0.0.1"}},
			ID:        id,
			UID:       fmt.Sprintf("%s-uid-%d", id, callCnt),
			CallCnt:   callCnt,
		},
	}
}

func TestWorkerExecutesAndWritesResult(t *testing.T) {
	tw := newTestWorker(t, func(_ context.Context, md *invocation.Metadata) (any, error) {
		return map[string]any{"echo": md.UID}, nil
	})

	id := "app-0-split-42"
	resp := tw.post(t, lambdaCall(id, 0))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx := context.Background()
	raw, err := tw.store.GetWait(ctx, id+"-uid-0-result", 2*time.Second)
	require.NoError(t, err)
	result, err := invocation.DecodeResult(raw)
	require.NoError(t, err)
	require.True(t, result.Ok)
}

func TestWorkerDeduplicatesByCallCnt(t *testing.T) {
	var mu sync.Mutex
	var invoked []int
	release := make(chan struct{})

	tw := newTestWorker(t, func(_ context.Context, md *invocation.Metadata) (any, error) {
		mu.Lock()
		invoked = append(invoked, md.CallCnt)
		mu.Unlock()
		<-release
		return "done", nil
	})

	id := "app-0-split-7"

	// first try starts executing and blocks inside the handler
	tw.post(t, lambdaCall(id, 1))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(invoked) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// retry 2 is buffered; retry 3 replaces it without a new task
	tw.post(t, lambdaCall(id, 2))
	tw.post(t, lambdaCall(id, 3))
	// a stale retry never displaces a newer one
	tw.post(t, lambdaCall(id, 2))

	release <- struct{}{}
	release <- struct{}{}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(invoked) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, []int{1, 3}, invoked)
	mu.Unlock()

	// only the executed tries wrote results
	ctx := context.Background()
	_, err := tw.store.Get(ctx, id+"-uid-1-result")
	require.NoError(t, err)
	_, err = tw.store.Get(ctx, id+"-uid-2-result")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = tw.store.Get(ctx, id+"-uid-3-result")
	require.NoError(t, err)
}

func TestWorkerHandlerErrorWritesErr(t *testing.T) {
	tw := newTestWorker(t, func(context.Context, *invocation.Metadata) (any, error) {
		return nil, fmt.Errorf("no such file")
	})

	id := "app-0-split-9"
	tw.post(t, lambdaCall(id, 0))

	raw, err := tw.store.GetWait(context.Background(), id+"-uid-0-result", 2*time.Second)
	require.NoError(t, err)
	result, err := invocation.DecodeResult(raw)
	require.NoError(t, err)
	require.False(t, result.Ok)
	require.Contains(t, result.Error, "no such file")
}

func TestWorkerCacheEndpoints(t *testing.T) {
	tw := newTestWorker(t, func(context.Context, *invocation.Metadata) (any, error) { return nil, nil })

	resp := tw.post(t, invocation.Request{Type: invocation.TypeCachePut, Key: "app-0-x", Value: []byte("v")})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = tw.post(t, invocation.Request{Type: invocation.TypeCacheGet, Key: "app-0-x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), body)

	resp = tw.post(t, invocation.Request{Type: invocation.TypeCacheGet, Key: "app-0-missing"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = tw.post(t, invocation.Request{Type: invocation.TypeCacheClear, Prefix: "app-0-"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = tw.post(t, invocation.Request{Type: invocation.TypeCacheGet, Key: "app-0-x"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkerRejectsMalformedRequests(t *testing.T) {
	tw := newTestWorker(t, func(context.Context, *invocation.Metadata) (any, error) { return nil, nil })

	resp := tw.post(t, invocation.Request{Type: "no-such-type"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = tw.post(t, invocation.Request{Type: invocation.TypeLambdaCall})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = tw.post(t, invocation.Request{Type: invocation.TypeCachePut, Key: "k"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkerHealth(t *testing.T) {
	tw := newTestWorker(t, func(context.Context, *invocation.Metadata) (any, error) { return nil, nil })

	resp, err := http.Get(tw.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "UP", health.Status)
}
