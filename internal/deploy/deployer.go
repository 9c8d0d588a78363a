package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/stagerun-org/stagerun/internal/logger"
	"github.com/stagerun-org/stagerun/internal/placement"
)

// Deployer applies and removes stage manifests and reports cluster
// capacity for the placement planner.
type Deployer interface {
	Apply(ctx context.Context, manifests map[string]string) error
	Remove(ctx context.Context, manifests map[string]string) error
	NodeResources(ctx context.Context) (map[string]placement.NodeResources, error)
}

// StaticDeployer serves a fixed node map and performs no cluster actions.
// Used with the local controller mode and in tests.
type StaticDeployer struct {
	Nodes map[string]placement.NodeResources
}

func (d *StaticDeployer) Apply(context.Context, map[string]string) error  { return nil }
func (d *StaticDeployer) Remove(context.Context, map[string]string) error { return nil }

func (d *StaticDeployer) NodeResources(context.Context) (map[string]placement.NodeResources, error) {
	return d.Nodes, nil
}

// KubectlDeployer drives a cluster through the kubectl binary.
type KubectlDeployer struct {
	// Kubectl overrides the binary path; empty means "kubectl" on PATH.
	Kubectl string
}

func (d *KubectlDeployer) bin() string {
	if d.Kubectl != "" {
		return d.Kubectl
	}
	return "kubectl"
}

// Apply applies every stage manifest.
func (d *KubectlDeployer) Apply(ctx context.Context, manifests map[string]string) error {
	for stage, file := range manifests {
		out, err := exec.CommandContext(ctx, d.bin(), "apply", "-f", file).CombinedOutput()
		if err != nil {
			return fmt.Errorf("deploy: apply %s: %w: %s", stage, err, strings.TrimSpace(string(out)))
		}
		logger.Info(ctx, "Manifest applied", "stage", stage, "file", file)
	}
	return nil
}

// Remove deletes every stage manifest, continuing past failures.
func (d *KubectlDeployer) Remove(ctx context.Context, manifests map[string]string) error {
	var firstErr error
	for stage, file := range manifests {
		out, err := exec.CommandContext(ctx, d.bin(), "delete", "-f", file, "--ignore-not-found").CombinedOutput()
		if err != nil {
			logger.Warn(ctx, "Manifest delete failed", "stage", stage, "err", err, "output", strings.TrimSpace(string(out)))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NodeResources lists worker-node capacity, skipping control-plane nodes
// when the cluster has more than one node.
func (d *KubectlDeployer) NodeResources(ctx context.Context) (map[string]placement.NodeResources, error) {
	out, err := exec.CommandContext(ctx, d.bin(), "get", "nodes", "-o", "json").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("deploy: get nodes: %w: %s", err, strings.TrimSpace(string(out)))
	}

	var nodes struct {
		Items []struct {
			Metadata struct {
				Name   string            `json:"name"`
				Labels map[string]string `json:"labels"`
			} `json:"metadata"`
			Status struct {
				Capacity map[string]string `json:"capacity"`
			} `json:"status"`
		} `json:"items"`
	}
	if err := json.Unmarshal(out, &nodes); err != nil {
		return nil, fmt.Errorf("deploy: parse nodes: %w", err)
	}

	result := map[string]placement.NodeResources{}
	for _, node := range nodes.Items {
		if isControlPlane(node.Metadata.Labels) && len(nodes.Items) > 1 {
			continue
		}
		vcpu, err := strconv.Atoi(node.Status.Capacity["cpu"])
		if err != nil {
			return nil, fmt.Errorf("deploy: node %s cpu capacity: %w", node.Metadata.Name, err)
		}
		memKi, err := strconv.Atoi(strings.TrimSuffix(node.Status.Capacity["memory"], "Ki"))
		if err != nil {
			return nil, fmt.Errorf("deploy: node %s memory capacity: %w", node.Metadata.Name, err)
		}
		result[node.Metadata.Name] = placement.NodeResources{VCPU: vcpu, MemoryMB: memKi / 1024}
	}
	return result, nil
}

func isControlPlane(labels map[string]string) bool {
	_, master := labels["node-role.kubernetes.io/master"]
	_, controlPlane := labels["node-role.kubernetes.io/control-plane"]
	return master || controlPlane
}
