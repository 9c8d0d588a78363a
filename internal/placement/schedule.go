package placement

// StartPoint is one stage's timing in the pre-warm schedule: when its
// container should be started and when it is expected to begin working,
// both in seconds from workflow launch.
type StartPoint struct {
	ContainerStart float64
	TimeToWork     float64
}

// DefaultSafeGuard is the margin subtracted from a container's start time
// so it is warm before its inputs arrive.
const DefaultSafeGuard = 0.5

// StartSchedule computes each stage's container start point: a stage can
// begin working once its slowest predecessor has finished, and its
// container must be started one image cold-start (plus the safety margin)
// earlier. A start point clamped at zero shifts the work moment forward by
// the clamped amount so downstream budgets stay consistent.
func StartSchedule(deps map[string][]string, profiles map[string]Profile, coldstart map[string]float64, safeGuard float64) (map[string]StartPoint, error) {
	stages := make([]string, 0, len(deps))
	for s := range deps {
		stages = append(stages, s)
	}
	topo, err := TopoSort(stages, deps)
	if err != nil {
		return nil, err
	}

	latency := make(map[string]float64, len(stages))
	for _, s := range stages {
		p := profiles[s]
		latency[s] = p.InputTime + p.ComputeTime + p.OutputTime
	}

	schedule := make(map[string]StartPoint, len(stages))
	for _, s := range topo {
		timeToWork := 0.0
		for _, dep := range deps[s] {
			if t := schedule[dep].TimeToWork + latency[dep]; t > timeToWork {
				timeToWork = t
			}
		}
		start := timeToWork - coldstart[s] - safeGuard
		if start < 0 {
			timeToWork += -start
			start = 0
		}
		schedule[s] = StartPoint{ContainerStart: start, TimeToWork: timeToWork}
	}
	return schedule, nil
}
