package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/draftforge/draftforge/sched"
)

// topologyFile is the YAML shape of an instance topology:
//
//	default_endpoint: http://localhost:11434
//	instances:
//	  - id: priority
//	    endpoint: http://ollama-priority:11434
//	    capacity: 2
type topologyFile struct {
	DefaultEndpoint string                 `yaml:"default_endpoint"`
	Instances       []sched.InstanceConfig `yaml:"instances"`
}

// LoadTopology reads an instance topology from a YAML file. An empty
// path returns the built-in three-instance topology. The default
// endpoint falls back to the first instance's endpoint.
func LoadTopology(path string) ([]sched.InstanceConfig, string, error) {
	if path == "" {
		topo := sched.DefaultTopology()
		return topo, topo[0].Endpoint, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read topology %s: %w", path, err)
	}
	var file topologyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, "", fmt.Errorf("parse topology %s: %w", path, err)
	}
	if len(file.Instances) == 0 {
		return nil, "", fmt.Errorf("topology %s declares no instances", path)
	}
	declared := make(map[sched.InstanceID]bool, len(file.Instances))
	for i, inst := range file.Instances {
		if inst.ID == "" {
			return nil, "", fmt.Errorf("topology %s: instance %d has no id", path, i)
		}
		if inst.Endpoint == "" {
			return nil, "", fmt.Errorf("topology %s: instance %q has no endpoint", path, inst.ID)
		}
		if inst.Capacity <= 0 {
			return nil, "", fmt.Errorf("topology %s: instance %q needs a positive capacity", path, inst.ID)
		}
		declared[inst.ID] = true
	}
	// Request classification routes onto exactly these three instances;
	// a topology missing one would strand every request classified to it.
	for _, id := range []sched.InstanceID{sched.InstancePriority, sched.InstanceNormal, sched.InstanceFast} {
		if !declared[id] {
			return nil, "", fmt.Errorf("topology %s: missing required instance %q", path, id)
		}
	}

	defaultEndpoint := file.DefaultEndpoint
	if defaultEndpoint == "" {
		defaultEndpoint = file.Instances[0].Endpoint
	}
	return file.Instances, defaultEndpoint, nil
}
