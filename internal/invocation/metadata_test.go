package invocation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagerun-org/stagerun/internal/cache"
	"github.com/stagerun-org/stagerun/internal/store"
)

func testSchedule(t *testing.T, workerURL string) map[string]Address {
	t.Helper()
	u, err := url.Parse(workerURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return map[string]Address{
		"split": {IP: u.Hostname(), Port: port, CachePort: port + 1},
		"count": {IP: u.Hostname(), Port: port, CachePort: port + 1},
	}
}

func TestNewRejectsUnscheduledStage(t *testing.T) {
	_, err := New(Config{
		Namespace: "app-0",
		Stage:     "ghost",
		Schedule:  map[string]Address{"split": {IP: "127.0.0.1", Port: 80}},
	})
	require.Error(t, err)
}

func TestRemoteCallLifecycle(t *testing.T) {
	var received Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := DecodeRequest(body)
		require.NoError(t, err)
		received = req
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	localStore, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	md, err := New(Config{
		Namespace:         "app-0",
		Stage:             "split",
		Schedule:          testSchedule(t, srv.URL),
		TransMode:         TransportAllRedis,
		Params:            map[string]any{"text": "hello"},
		Store:             localStore,
		RemoteCallTimeout: time.Second,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, md.RemoteCall(ctx))
	require.Equal(t, md.ID+"-uid-0", md.UID)
	require.Equal(t, 1, md.CallCnt)
	require.True(t, md.Working())

	// the worker saw the same record
	require.Equal(t, TypeLambdaCall, received.Type)
	require.Equal(t, md.UID, received.Metadata.UID)
	require.Equal(t, "hello", received.Metadata.Params["text"])

	// a retry mints a fresh uid
	require.NoError(t, md.RemoteCall(ctx))
	require.Equal(t, md.ID+"-uid-1", md.UID)

	// worker writes the result, controller polls it
	result, err := OkResult(map[string]any{"res": 6})
	require.NoError(t, err)
	require.NoError(t, localStore.Put(ctx, md.UID+"-result", result.Encode()))

	require.True(t, md.FetchRetval(ctx))
	require.True(t, md.Succeeded())
	require.False(t, md.Failed())

	reply, err := md.Reply()
	require.NoError(t, err)
	var decoded map[string]int
	require.NoError(t, json.Unmarshal(reply.Value, &decoded))
	require.Equal(t, 6, decoded["res"])

	// the result key was extracted; a second engine poll sees nothing new
	_, err = localStore.Get(ctx, md.UID+"-result")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestThroughStorePolicy(t *testing.T) {
	schedule := map[string]Address{
		"a": {IP: "10.0.0.1", Port: 8080, CachePort: 8081},
		"b": {IP: "10.0.0.1", Port: 8090, CachePort: 8091},
		"c": {IP: "10.0.0.2", Port: 8080, CachePort: 8081},
	}
	md := &Metadata{Stage: "a", Schedule: schedule, TransMode: TransportAuto}

	// colocated pair bypasses the store in auto mode
	require.False(t, md.ThroughStore("a", "b"))
	// cross-node pair does not
	require.True(t, md.ThroughStore("a", "c"))
	// final outputs always go through the store
	require.True(t, md.ThroughStore("a", FinalOutput))

	md.TransMode = TransportAllRedis
	require.True(t, md.ThroughStore("a", "b"))

	md.TransMode = TransportAllTCP
	require.False(t, md.ThroughStore("a", "c"))
}

func TestOutputAndGetThroughStore(t *testing.T) {
	localStore, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	md := &Metadata{
		Namespace: "app-0",
		Stage:     "split",
		Schedule: map[string]Address{
			"split": {IP: "10.0.0.1"},
			"count": {IP: "10.0.0.2"},
		},
		TransMode: TransportAuto,
	}
	md.Bind(localStore, cache.New(), nil)

	require.NoError(t, md.Output(ctx, []string{"count"}, "words", []byte(`["a","b"]`), false))

	downstream := &Metadata{
		Namespace: "app-0",
		Stage:     "count",
		Schedule:  md.Schedule,
		TransMode: TransportAuto,
	}
	downstream.Bind(localStore, cache.New(), nil)

	value, err := downstream.GetObject(ctx, "split", "words", GetOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, []byte(`["a","b"]`), value)
}

func TestOutputFinalGoesToFinalOutputs(t *testing.T) {
	localStore, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	md := &Metadata{
		Namespace: "app-0",
		Stage:     "sort",
		Schedule:  map[string]Address{"sort": {IP: "10.0.0.1"}},
		TransMode: TransportAuto,
	}
	md.Bind(localStore, cache.New(), nil)

	require.NoError(t, md.Output(ctx, []string{FinalOutput}, "res", []byte("42"), false))

	value, err := localStore.Get(ctx, "app-0-"+FinalOutputsPrefix+"res")
	require.NoError(t, err)
	require.Equal(t, []byte("42"), value)
}

func TestGetFromLocalCacheBuffer(t *testing.T) {
	localStore, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	// both stages on one node: auto mode keeps the value in the worker cache
	schedule := map[string]Address{
		"a": {IP: "10.0.0.1"},
		"b": {IP: "10.0.0.1"},
	}
	shared := cache.New()

	producer := &Metadata{Namespace: "app-0", Stage: "a", Schedule: schedule, TransMode: TransportAuto}
	producer.Bind(localStore, shared, nil)
	require.NoError(t, producer.Output(ctx, []string{"b"}, "x", []byte("v"), false))

	consumer := &Metadata{Namespace: "app-0", Stage: "b", Schedule: schedule, TransMode: TransportAuto}
	consumer.Bind(localStore, shared, nil)

	value, err := consumer.GetObject(ctx, "a", "x", GetOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
}

func TestGetExistedObjectMissing(t *testing.T) {
	localStore, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	md := &Metadata{
		Namespace: "app-0",
		Stage:     "a",
		Schedule:  map[string]Address{"a": {IP: "10.0.0.1"}},
		TransMode: TransportAllRedis,
	}
	md.Bind(localStore, cache.New(), nil)

	_, err = md.GetExistedObject(context.Background(), "a", "nope", GetOptions{})
	require.ErrorIs(t, err, ErrMissingEntry)
}
