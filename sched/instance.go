package sched

import "time"

// InstanceID names one addressable model-serving endpoint.
// The set is small and fixed per deployment.
type InstanceID string

const (
	InstancePriority InstanceID = "priority"
	InstanceNormal   InstanceID = "normal"
	InstanceFast     InstanceID = "fast"
)

// InstanceConfig describes one backend model instance: where it lives
// and how many requests it may run simultaneously.
type InstanceConfig struct {
	ID       InstanceID `yaml:"id"`
	Endpoint string     `yaml:"endpoint"`
	Capacity int        `yaml:"capacity"`
}

// DefaultTopology returns the standard three-instance layout:
// a priority instance and a normal instance with two slots each,
// and a fast instance with three.
func DefaultTopology() []InstanceConfig {
	return []InstanceConfig{
		{ID: InstancePriority, Endpoint: "http://localhost:11434", Capacity: 2},
		{ID: InstanceNormal, Endpoint: "http://localhost:11435", Capacity: 2},
		{ID: InstanceFast, Endpoint: "http://localhost:11436", Capacity: 3},
	}
}

// fastTemplates name lightweight document templates that are routed to
// the fast instance regardless of priority.
var fastTemplates = map[string]bool{
	"simple_summary": true,
	"quick_notes":    true,
}

// fastDurationThreshold routes short-estimated work to the fast instance.
const fastDurationThreshold = 30 * time.Second

// TargetInstance classifies a request onto its model instance:
// critical/high priority work goes to the priority instance, short or
// lightweight-template work to the fast instance, everything else to
// the normal instance.
func TargetInstance(r *GenerationRequest) InstanceID {
	if r.Priority == PriorityCritical || r.Priority == PriorityHigh {
		return InstancePriority
	}
	if r.EstimatedDuration < fastDurationThreshold || fastTemplates[r.Template] {
		return InstanceFast
	}
	return InstanceNormal
}
