package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/stagerun-org/stagerun/internal/invocation"
	"github.com/stagerun-org/stagerun/internal/placement"
)

// PlacementMode selects how stages are assigned to nodes.
type PlacementMode int

const (
	// PlacementDitto runs the critical-path merge planner.
	PlacementDitto PlacementMode = iota
	// PlacementRandom spreads stages round-robin over the nodes.
	PlacementRandom
	// PlacementLocal pins every stage to 127.0.0.1.
	PlacementLocal
	// PlacementKnative leaves node assignment to the knative scheduler.
	PlacementKnative
)

// Generator turns an application profile into per-stage deployment
// manifests, worker addresses, and a pre-warm schedule.
type Generator struct {
	profile   *Profile
	mode      PlacementMode
	nodes     map[string]placement.NodeResources
	placement map[string]string
	topo      []string
	ports     *PortChecker
}

// NewGenerator computes the stage placement for the given mode. The node
// map usually comes from a Deployer; PlacementLocal and PlacementKnative
// work without one.
func NewGenerator(profile *Profile, mode PlacementMode, nodes map[string]placement.NodeResources) (*Generator, error) {
	topo, err := profile.Stages()
	if err != nil {
		return nil, err
	}

	ports := NewPortChecker()
	for _, stage := range topo {
		sp := profile.StageProfiles[stage]
		if sp.WorkerExternalPort > 0 {
			if err := ports.Insert(sp.WorkerExternalPort, stage); err != nil {
				return nil, err
			}
		}
		if sp.CacheServerExternalPort > 0 {
			if err := ports.Insert(sp.CacheServerExternalPort, stage); err != nil {
				return nil, err
			}
		}
	}

	g := &Generator{profile: profile, mode: mode, nodes: nodes, topo: topo, ports: ports}
	switch mode {
	case PlacementKnative:
		g.placement = map[string]string{}
		for _, stage := range topo {
			g.placement[stage] = ""
		}
	case PlacementLocal:
		g.placement = map[string]string{}
		for _, stage := range topo {
			g.placement[stage] = "127.0.0.1"
		}
	case PlacementRandom:
		nodeNames := sortedKeys(nodes)
		if len(nodeNames) == 0 {
			return nil, fmt.Errorf("deploy: random placement needs nodes")
		}
		g.placement = map[string]string{}
		for i, stage := range topo {
			g.placement[stage] = nodeNames[i%len(nodeNames)]
		}
	case PlacementDitto:
		placer, err := placement.NewDittoPlacer(nodes, profile.DAG, profile.PlacementProfiles())
		if err != nil {
			return nil, err
		}
		g.placement, err = placer.Run()
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("deploy: unknown placement mode %d", mode)
	}
	return g, nil
}

// Placement returns the stage→node assignment.
func (g *Generator) Placement() map[string]string { return g.placement }

// Ingress returns per-stage addresses reachable from both the pod network
// and the node network.
func (g *Generator) Ingress() map[string]invocation.Address {
	out := make(map[string]invocation.Address, len(g.topo))
	for _, stage := range g.topo {
		sp := g.profile.StageProfiles[stage]
		if g.mode == PlacementKnative {
			out[stage] = invocation.Address{
				IP:   fmt.Sprintf("%s-%s.default.%s.sslip.io", g.profile.AppName, stage, g.profile.ExternalIP),
				Port: 80,
			}
			continue
		}
		out[stage] = invocation.Address{
			IP:        g.profile.ExternalIP,
			Port:      sp.WorkerExternalPort,
			CachePort: sp.CacheServerExternalPort,
		}
	}
	return out
}

// Manifests renders the deployment template once per stage into
// outputFolder and returns the written file per stage.
func (g *Generator) Manifests(outputFolder string) (map[string]string, error) {
	templatePath := g.profile.Template
	if g.mode == PlacementKnative {
		templatePath = g.profile.KnativeTemplate
	}
	template, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("deploy: read template: %w", err)
	}
	if err := os.MkdirAll(outputFolder, 0755); err != nil {
		return nil, fmt.Errorf("deploy: create output folder: %w", err)
	}

	files := make(map[string]string, len(g.topo))
	for _, stage := range g.topo {
		path := filepath.Join(outputFolder, fmt.Sprintf("%s-%s.yaml", g.profile.AppName, stage))
		content := "# This file is auto-generated by the deployment generator\n" +
			g.substitute(string(template), stage)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return nil, fmt.Errorf("deploy: write manifest for %s: %w", stage, err)
		}
		files[stage] = path
	}
	return files, nil
}

// substitute performs the literal token replacement for one stage.
func (g *Generator) substitute(text, stage string) string {
	sp := g.profile.StageProfiles[stage]
	cwd, _ := os.Getwd()
	replacer := strings.NewReplacer(
		"__app-name__", g.profile.AppName,
		"__stage-name__", stage,
		"__node-name__", g.placement[stage],
		"__image__", sp.Image,
		"__command__", strings.Join(sp.Command, " "),
		"__args__", strings.Join(sp.Args, " "),
		"__worker-port__", strconv.Itoa(sp.WorkerPort),
		"__cache-server-port__", strconv.Itoa(sp.CacheServerPort),
		"__worker-external-port__", strconv.Itoa(sp.WorkerExternalPort),
		"__cache-server-external-port__", strconv.Itoa(sp.CacheServerExternalPort),
		"__parallelism__", strconv.Itoa(sp.Parallelism),
		"__external-ip__", g.profile.ExternalIP,
		"__host-path__", filepath.Join(cwd, sp.CodeDir),
		"__cwd__", cwd,
	)
	return replacer.Replace(text)
}

// WorkerCommandlines joins each stage's command and args into one shell
// line with all tokens substituted.
func (g *Generator) WorkerCommandlines() map[string]string {
	out := make(map[string]string, len(g.topo))
	for _, stage := range g.topo {
		sp := g.profile.StageProfiles[stage]
		line := strings.Join(sp.Command, " ") + " " + strings.Join(sp.Args, " ")
		out[stage] = g.substitute(line, stage)
	}
	return out
}

// StartPoints computes the pre-warm schedule for every stage.
func (g *Generator) StartPoints(safeGuard float64) (map[string]placement.StartPoint, error) {
	return placement.StartSchedule(g.profile.DAG, g.profile.PlacementProfiles(), g.profile.Coldstarts(), safeGuard)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
