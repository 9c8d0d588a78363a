package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stagerun-org/stagerun/internal/placement"
)

const profileYAML = `
app_name: wordcount
external_ip: 10.0.0.233
template: %s
DAG:
  split: []
  count: [split]
  sort: [count]
stage_profiles:
  split:
    input_time: 0.1
    compute_time: 0.5
    output_time: 0.2
    request: {vcpu: 1, memory: 512}
    image: stagerun/worker:latest
    command: [python3, -m, worker]
    args: [--port, "__worker-port__", --cache_server_port, "__cache-server-port__"]
    worker_port: 8080
    cache_server_port: 8081
    worker_external_port: 30080
    cache_server_external_port: 30081
    parallelism: 1
  count:
    input_time: 0.2
    compute_time: 1.0
    output_time: 0.2
    request: {vcpu: 1, memory: 512}
    image: stagerun/worker:latest
    command: [python3, -m, worker]
    args: [--port, "__worker-port__"]
    worker_port: 8080
    cache_server_port: 8081
    worker_external_port: 30082
    cache_server_external_port: 30083
    parallelism: 2
  sort:
    input_time: 0.2
    compute_time: 0.3
    output_time: 0.1
    request: {vcpu: 1, memory: 512}
    image: stagerun/worker:latest
    command: [python3, -m, worker]
    args: [--port, "__worker-port__"]
    worker_port: 8080
    cache_server_port: 8081
    worker_external_port: 30084
    cache_server_external_port: 30085
    parallelism: 1
image_coldstart_latency:
  stagerun/worker:latest: 2.0
default_params:
  batchSize: 3
`

const templateYAML = `apiVersion: v1
kind: Pod
metadata:
  name: __app-name__-__stage-name__
spec:
  nodeName: __node-name__
  containers:
    - image: __image__
      command: [__command__]
      args: [__args__]
      ports:
        - containerPort: __worker-port__
          hostPort: __worker-external-port__
        - containerPort: __cache-server-port__
          hostPort: __cache-server-external-port__
      env:
        - name: PARALLELISM
          value: "__parallelism__"
`

func writeProfile(t *testing.T) *Profile {
	t.Helper()
	dir := t.TempDir()
	templatePath := filepath.Join(dir, "template.yaml")
	require.NoError(t, os.WriteFile(templatePath, []byte(templateYAML), 0644))

	profilePath := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(profilePath, []byte(fmt.Sprintf(profileYAML, templatePath)), 0644))

	p, err := LoadProfile(profilePath)
	require.NoError(t, err)
	return p
}

func twoNodes() map[string]placement.NodeResources {
	return map[string]placement.NodeResources{
		"node0": {VCPU: 2, MemoryMB: 4096},
		"node1": {VCPU: 2, MemoryMB: 4096},
	}
}

func TestLoadProfileValidates(t *testing.T) {
	p := writeProfile(t)
	require.Equal(t, "wordcount", p.AppName)
	require.Len(t, p.StageProfiles, 3)

	topo, err := p.Stages()
	require.NoError(t, err)
	require.Equal(t, []string{"split", "count", "sort"}, topo)
}

func TestGeneratorManifestSubstitution(t *testing.T) {
	p := writeProfile(t)
	g, err := NewGenerator(p, PlacementDitto, twoNodes())
	require.NoError(t, err)

	outDir := t.TempDir()
	files, err := g.Manifests(outDir)
	require.NoError(t, err)
	require.Len(t, files, 3)

	raw, err := os.ReadFile(files["split"])
	require.NoError(t, err)
	manifest := string(raw)
	require.Contains(t, manifest, "name: wordcount-split")
	require.Contains(t, manifest, "hostPort: 30080")
	require.Contains(t, manifest, "nodeName: "+g.Placement()["split"])
	require.NotContains(t, manifest, "__")
}

func TestGeneratorWorkerCommandlines(t *testing.T) {
	p := writeProfile(t)
	g, err := NewGenerator(p, PlacementLocal, nil)
	require.NoError(t, err)

	lines := g.WorkerCommandlines()
	require.Equal(t, "python3 -m worker --port 8080 --cache_server_port 8081", lines["split"])
}

func TestGeneratorIngress(t *testing.T) {
	p := writeProfile(t)
	g, err := NewGenerator(p, PlacementLocal, nil)
	require.NoError(t, err)

	ingress := g.Ingress()
	require.Equal(t, "10.0.0.233", ingress["count"].IP)
	require.Equal(t, 30082, ingress["count"].Port)
	require.Equal(t, 30083, ingress["count"].CachePort)
}

func TestGeneratorDuplicatePortRejected(t *testing.T) {
	p := writeProfile(t)
	sp := p.StageProfiles["sort"]
	sp.WorkerExternalPort = 30080 // collides with split
	p.StageProfiles["sort"] = sp

	_, err := NewGenerator(p, PlacementLocal, nil)
	require.ErrorIs(t, err, ErrPortTaken)
}

func TestGeneratorStartPoints(t *testing.T) {
	p := writeProfile(t)
	g, err := NewGenerator(p, PlacementLocal, nil)
	require.NoError(t, err)

	points, err := g.StartPoints(placement.DefaultSafeGuard)
	require.NoError(t, err)
	require.Len(t, points, 3)
	// split has no inputs, its cold start clamps to launch time
	require.Equal(t, 0.0, points["split"].ContainerStart)
	// downstream stages start strictly later
	require.Greater(t, points["sort"].TimeToWork, points["count"].TimeToWork)
}

func TestStaticDeployer(t *testing.T) {
	d := &StaticDeployer{Nodes: twoNodes()}
	nodes, err := d.NodeResources(t.Context())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.NoError(t, d.Apply(t.Context(), nil))
	require.NoError(t, d.Remove(t.Context(), nil))
}
