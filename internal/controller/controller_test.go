package controller

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagerun-org/stagerun/internal/deploy"
	"github.com/stagerun-org/stagerun/internal/invocation"
	"github.com/stagerun-org/stagerun/internal/placement"
	"github.com/stagerun-org/stagerun/internal/store"
)

func TestSummarize(t *testing.T) {
	lats := make([]time.Duration, 100)
	for i := range lats {
		lats[i] = time.Duration(i+1) * time.Millisecond
	}
	stats := Summarize(lats, 10*time.Second)

	require.Equal(t, 100, stats.Count)
	require.Equal(t, 1*time.Millisecond, stats.Min)
	require.Equal(t, 100*time.Millisecond, stats.Max)
	require.Equal(t, 51*time.Millisecond, stats.P50)
	require.Equal(t, 91*time.Millisecond, stats.P90)
	require.Equal(t, 100*time.Millisecond, stats.P99)
	require.InDelta(t, 10.0, stats.Throughput, 0.01)

	rendered := stats.Render()
	require.Contains(t, rendered, "P999")
	require.Contains(t, rendered, "10.00")

	require.Equal(t, LatencyStats{}, Summarize(nil, time.Second))
}

func TestParseLaunchMode(t *testing.T) {
	mode, err := ParseLaunchMode("prewarm")
	require.NoError(t, err)
	require.Equal(t, LaunchPrewarm, mode)

	_, err = ParseLaunchMode("eager")
	require.ErrorIs(t, err, ErrUnknownLaunchMode)
}

// stageServer is an in-process worker for one stage: it executes lambda
// calls by writing an Ok envelope to the shared store.
func stageServer(t *testing.T, st store.Store, value any) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := invocation.DecodeRequest(body)
		require.NoError(t, err)
		if req.Type != invocation.TypeLambdaCall {
			return
		}
		md := req.Metadata
		md.Bind(st, nil, nil)
		result, err := invocation.OkResult(value)
		require.NoError(t, err)
		require.NoError(t, md.UpdateStatus(r.Context(), result))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func benchProfile(splitPort, countPort int) *deploy.Profile {
	return &deploy.Profile{
		AppName: "wordcount",
		DAG: map[string][]string{
			"split": {},
			"count": {"split"},
		},
		StageProfiles: map[string]deploy.StageProfile{
			"split": {WorkerPort: 8080, WorkerExternalPort: splitPort, Request: deploy.Resources{VCPU: 1}},
			"count": {WorkerPort: 8080, WorkerExternalPort: countPort, Request: deploy.Resources{VCPU: 1}},
		},
		DefaultParams: map[string]any{
			"split": map[string]any{"text": "a b"},
			"count": map[string]any{},
		},
		ExternalIP: "127.0.0.1",
		NodeResources: map[string]struct {
			VCPU     int `yaml:"vcpu"`
			MemoryMB int `yaml:"memory"`
		}{
			"node1": {VCPU: 4, MemoryMB: 4096},
		},
	}
}

func TestControllerRun(t *testing.T) {
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	splitPort := stageServer(t, st, map[string]any{"words": []string{"a", "b"}})
	countPort := stageServer(t, st, map[string]any{"counts": 2})

	profile := benchProfile(splitPort, countPort)
	require.NoError(t, profile.Validate())
	gen, err := deploy.NewGenerator(profile, deploy.PlacementLocal, profile.StaticNodeResources())
	require.NoError(t, err)

	preloadDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(preloadDir, "corpus.txt"), []byte("a b a"), 0o600))

	c, err := New(Config{
		Profile:           profile,
		Generator:         gen,
		Store:             st,
		TransMode:         invocation.TransportAllRedis,
		Repeat:            2,
		Parallelism:       2,
		Launch:            LaunchTradition,
		PreloadFolder:     preloadDir,
		RemoteCallTimeout: 5 * time.Second,
		Exit: func(code int) {
			t.Fatalf("unexpected exit with code %d", code)
		},
	})
	require.NoError(t, err)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, stats.Count)
	require.Greater(t, stats.Max, time.Duration(0))

	// preloaded data survives the per-namespace cleanup
	data, err := st.Get(context.Background(), "corpus.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("a b a"), data)

	// workflow namespaces are wiped after each round
	keys, err := st.Keys(context.Background(), "wordcount-")
	require.NoError(t, err)
	require.Empty(t, keys)
}

// recordingDeployer counts manifest applications per stage.
type recordingDeployer struct {
	mu      sync.Mutex
	applied map[string]int
	removed int
}

func (d *recordingDeployer) Apply(_ context.Context, manifests map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.applied == nil {
		d.applied = map[string]int{}
	}
	for stage := range manifests {
		d.applied[stage]++
	}
	return nil
}

func (d *recordingDeployer) Remove(context.Context, map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed++
	return nil
}

func (d *recordingDeployer) NodeResources(context.Context) (map[string]placement.NodeResources, error) {
	return nil, nil
}

func TestControllerColdstartAppliesOncePerStage(t *testing.T) {
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	splitPort := stageServer(t, st, "ok")
	countPort := stageServer(t, st, "ok")

	template := filepath.Join(t.TempDir(), "template.yaml")
	require.NoError(t, os.WriteFile(template, []byte("stage: __stage-name__\nnode: __node-name__\n"), 0o600))

	profile := benchProfile(splitPort, countPort)
	profile.Template = template
	require.NoError(t, profile.Validate())
	gen, err := deploy.NewGenerator(profile, deploy.PlacementLocal, profile.StaticNodeResources())
	require.NoError(t, err)

	deployer := &recordingDeployer{}
	c, err := New(Config{
		Profile:           profile,
		Generator:         gen,
		Deployer:          deployer,
		Store:             st,
		TransMode:         invocation.TransportAllRedis,
		Parallelism:       2,
		Launch:            LaunchColdstart,
		ManifestDir:       t.TempDir(),
		RemoteCallTimeout: 5 * time.Second,
		Exit: func(code int) {
			t.Fatalf("unexpected exit with code %d", code)
		},
	})
	require.NoError(t, err)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Count)

	deployer.mu.Lock()
	defer deployer.mu.Unlock()
	require.Equal(t, 1, deployer.applied["split"])
	require.Equal(t, 1, deployer.applied["count"])
	require.Equal(t, 1, deployer.removed)
}

func TestControllerRejectsMissingParams(t *testing.T) {
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	profile := benchProfile(30080, 30081)
	profile.DefaultParams = map[string]any{"split": map[string]any{}}
	gen, err := deploy.NewGenerator(profile, deploy.PlacementLocal, profile.StaticNodeResources())
	require.NoError(t, err)

	_, err = New(Config{Profile: profile, Generator: gen, Store: st})
	require.ErrorContains(t, err, "default params")
}
