package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagerun-org/stagerun/internal/invocation"
	"github.com/stagerun-org/stagerun/internal/store"
)

// fakeWorker runs stage handlers in-process: every lambda-call request is
// executed immediately and its result envelope written to the shared store,
// the way a real worker would.
func fakeWorker(t *testing.T, st store.Store, handlers map[string]func(try int) invocation.Result) *httptest.Server {
	t.Helper()
	tries := map[string]int{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := invocation.DecodeRequest(body)
		require.NoError(t, err)
		if req.Type != invocation.TypeLambdaCall {
			w.WriteHeader(http.StatusOK)
			return
		}
		md := req.Metadata
		md.Bind(st, nil, nil)
		handler, ok := handlers[md.Stage]
		require.True(t, ok, "no handler for stage %s", md.Stage)
		result := handler(tries[md.Stage])
		tries[md.Stage]++
		require.NoError(t, md.UpdateStatus(r.Context(), result))
		w.WriteHeader(http.StatusOK)
	}))
}

func workerSchedule(t *testing.T, workerURL string, stages ...string) map[string]invocation.Address {
	t.Helper()
	u, err := url.Parse(workerURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	schedule := map[string]invocation.Address{}
	for _, stage := range stages {
		schedule[stage] = invocation.Address{IP: u.Hostname(), Port: port, CachePort: port}
	}
	return schedule
}

func execFuncs(t *testing.T, st store.Store, namespace string, schedule map[string]invocation.Address, stages ...string) map[string]ExecFunc {
	t.Helper()
	exec := map[string]ExecFunc{}
	for _, stage := range stages {
		exec[stage] = func(ctx context.Context) (*invocation.Metadata, error) {
			md, err := invocation.New(invocation.Config{
				Namespace:         namespace,
				Stage:             stage,
				Schedule:          schedule,
				TransMode:         invocation.TransportAllRedis,
				Store:             st,
				RemoteCallTimeout: 2 * time.Second,
			})
			if err != nil {
				return nil, err
			}
			if err := md.RemoteCall(ctx); err != nil {
				return nil, err
			}
			return md, nil
		}
	}
	return exec
}

func okValue(t *testing.T, v any) invocation.Result {
	t.Helper()
	r, err := invocation.OkResult(v)
	require.NoError(t, err)
	return r
}

func TestEngineRunsDependencyOrder(t *testing.T) {
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	var order []string
	handlers := map[string]func(int) invocation.Result{
		"a": func(int) invocation.Result { order = append(order, "a"); return okValue(t, 1) },
		"b": func(int) invocation.Result { order = append(order, "b"); return okValue(t, 2) },
	}
	worker := fakeWorker(t, st, handlers)
	defer worker.Close()

	namespace := "app-0"
	schedule := workerSchedule(t, worker.URL, "a", "b")
	e, err := New(Config{
		Name:         "0",
		Namespace:    namespace,
		Dependencies: map[string][]string{"a": {}, "b": {"a"}},
		Exec:         execFuncs(t, st, namespace, schedule, "a", "b"),
		Store:        st,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	e.Launch(ctx)
	elapsed := e.Join(ctx)
	require.Greater(t, elapsed, time.Duration(0))
	require.Equal(t, []string{"a", "b"}, order)
	require.Len(t, e.Results(), 2)

	// namespace isolation: cleanup left nothing behind
	keys, err := st.Keys(ctx, namespace+"-")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestEngineRetriesToSuccess(t *testing.T) {
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	handlers := map[string]func(int) invocation.Result{
		"flaky": func(try int) invocation.Result {
			if try < 2 {
				return invocation.ErrResult(context.DeadlineExceeded, "")
			}
			return okValue(t, map[string]any{"res": 6})
		},
	}
	worker := fakeWorker(t, st, handlers)
	defer worker.Close()

	namespace := "app-1"
	schedule := workerSchedule(t, worker.URL, "flaky")
	e, err := New(Config{
		Name:             "1",
		Namespace:        namespace,
		Dependencies:     map[string][]string{"flaky": {}},
		Exec:             execFuncs(t, st, namespace, schedule, "flaky"),
		Store:            st,
		FailureTolerance: 10,
		PollInterval:     10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := context.Background()
	e.Launch(ctx)
	e.Join(ctx)

	require.GreaterOrEqual(t, e.FailureCount(), 2)
	results := e.Results()
	require.Len(t, results, 1)
	require.True(t, results["flaky"].Ok)
}

func TestEngineToleranceBreachAborts(t *testing.T) {
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	handlers := map[string]func(int) invocation.Result{
		"doomed": func(int) invocation.Result {
			return invocation.ErrResult(context.DeadlineExceeded, "always fails")
		},
	}
	worker := fakeWorker(t, st, handlers)
	defer worker.Close()

	var exitCode atomic.Int32
	exitCode.Store(-1)

	namespace := "app-2"
	schedule := workerSchedule(t, worker.URL, "doomed")
	e, err := New(Config{
		Name:             "2",
		Namespace:        namespace,
		Dependencies:     map[string][]string{"doomed": {}},
		Exec:             execFuncs(t, st, namespace, schedule, "doomed"),
		Store:            st,
		FailureTolerance: 3,
		PollInterval:     10 * time.Millisecond,
		Exit:             func(code int) { exitCode.Store(int32(code)) },
	})
	require.NoError(t, err)

	ctx := context.Background()
	e.Launch(ctx)
	e.Join(ctx)

	require.Equal(t, int32(1), exitCode.Load())
	require.GreaterOrEqual(t, e.FailureCount(), 3)
}

func TestEngineTimerTasksFireOnce(t *testing.T) {
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	handlers := map[string]func(int) invocation.Result{
		"a": func(int) invocation.Result { return okValue(t, 1) },
	}
	worker := fakeWorker(t, st, handlers)
	defer worker.Close()

	var fired atomic.Int32
	namespace := "app-3"
	schedule := workerSchedule(t, worker.URL, "a")
	e, err := New(Config{
		Name:         "3",
		Namespace:    namespace,
		Dependencies: map[string][]string{"a": {}},
		Exec:         execFuncs(t, st, namespace, schedule, "a"),
		Store:        st,
		PollInterval: 10 * time.Millisecond,
		Timers: []TimerTask{
			{Delay: 5 * time.Millisecond, Run: func(context.Context) { fired.Add(1) }},
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	e.Launch(ctx)
	e.Join(ctx)
	require.Equal(t, int32(1), fired.Load())
}

func TestEngineRequiresStages(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoStages)
}
