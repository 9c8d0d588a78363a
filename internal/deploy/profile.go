package deploy

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/stagerun-org/stagerun/internal/placement"
)

// Resources is a stage's resource request.
type Resources struct {
	VCPU     int `yaml:"vcpu"`
	MemoryMB int `yaml:"memory"`
}

// StageProfile declares one stage: its measured timing, resource request,
// image, and the ports its worker listens on.
type StageProfile struct {
	InputTime   float64   `yaml:"input_time"`
	ComputeTime float64   `yaml:"compute_time"`
	OutputTime  float64   `yaml:"output_time"`
	Request     Resources `yaml:"request"`

	Image   string   `yaml:"image"`
	Command []string `yaml:"command"`
	Args    []string `yaml:"args"`
	CodeDir string   `yaml:"codeDir"`

	WorkerPort              int `yaml:"worker_port"`
	CacheServerPort         int `yaml:"cache_server_port"`
	WorkerExternalPort      int `yaml:"worker_external_port"`
	CacheServerExternalPort int `yaml:"cache_server_external_port"`

	Parallelism int `yaml:"parallelism"`
}

// Profile is the application deployment profile loaded from YAML.
type Profile struct {
	AppName       string                  `yaml:"app_name"`
	DAG           map[string][]string     `yaml:"DAG"`
	StageProfiles map[string]StageProfile `yaml:"stage_profiles"`
	DefaultParams map[string]any          `yaml:"default_params"`

	ExternalIP      string `yaml:"external_ip"`
	Template        string `yaml:"template"`
	KnativeTemplate string `yaml:"knative_template"`

	ImageColdstartLatency map[string]float64 `yaml:"image_coldstart_latency"`

	// NodeResources is the static cluster map used when no deployer can
	// report live capacity.
	NodeResources map[string]struct {
		VCPU     int `yaml:"vcpu"`
		MemoryMB int `yaml:"memory"`
	} `yaml:"node_resources"`
}

// LoadProfile reads and validates a profile YAML file.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("deploy: read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("deploy: parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks internal consistency of the profile.
func (p *Profile) Validate() error {
	if p.AppName == "" {
		return errors.New("deploy: app_name is required")
	}
	if len(p.StageProfiles) == 0 {
		return errors.New("deploy: stage_profiles is empty")
	}
	for stage := range p.DAG {
		if _, ok := p.StageProfiles[stage]; !ok {
			return fmt.Errorf("deploy: DAG stage %s has no stage profile", stage)
		}
		for _, dep := range p.DAG[stage] {
			if _, ok := p.StageProfiles[dep]; !ok {
				return fmt.Errorf("deploy: dependency %s of stage %s has no stage profile", dep, stage)
			}
		}
	}
	for stage, sp := range p.StageProfiles {
		if _, ok := p.DAG[stage]; !ok {
			return fmt.Errorf("deploy: stage %s is missing from the DAG", stage)
		}
		if sp.Image != "" {
			if _, ok := p.ImageColdstartLatency[sp.Image]; !ok && len(p.ImageColdstartLatency) > 0 {
				return fmt.Errorf("deploy: image %s of stage %s has no coldstart latency", sp.Image, stage)
			}
		}
	}
	return nil
}

// Stages lists the profile's stage names in topological order.
func (p *Profile) Stages() ([]string, error) {
	stages := make([]string, 0, len(p.StageProfiles))
	for s := range p.StageProfiles {
		stages = append(stages, s)
	}
	return placement.TopoSort(stages, p.DAG)
}

// PlacementProfiles converts the stage profiles into the planner's form.
func (p *Profile) PlacementProfiles() map[string]placement.Profile {
	out := make(map[string]placement.Profile, len(p.StageProfiles))
	for stage, sp := range p.StageProfiles {
		out[stage] = placement.Profile{
			InputTime:   sp.InputTime,
			ComputeTime: sp.ComputeTime,
			OutputTime:  sp.OutputTime,
			MinVCPU:     sp.Request.VCPU,
		}
	}
	return out
}

// Coldstarts maps each stage to its image's cold-start latency.
func (p *Profile) Coldstarts() map[string]float64 {
	out := make(map[string]float64, len(p.StageProfiles))
	for stage, sp := range p.StageProfiles {
		out[stage] = p.ImageColdstartLatency[sp.Image]
	}
	return out
}

// StaticNodeResources returns the node map declared in the profile.
func (p *Profile) StaticNodeResources() map[string]placement.NodeResources {
	out := make(map[string]placement.NodeResources, len(p.NodeResources))
	for name, n := range p.NodeResources {
		out[name] = placement.NodeResources{VCPU: n.VCPU, MemoryMB: n.MemoryMB}
	}
	return out
}
