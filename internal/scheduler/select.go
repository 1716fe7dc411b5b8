// SPDX-License-Identifier: MIT

package scheduler

import (
	"sort"
	"time"

	"github.com/hivemesh/hive/internal/queue"
	"github.com/hivemesh/hive/internal/registry"
)

// selectDrone picks the drone to run a task: least loaded first, then the one
// idle longest, then the highest composite score.
func selectDrone(eligible []registry.DroneInfo, task *queue.Task, now time.Time) registry.DroneInfo {
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.CurrentLoad != b.CurrentLoad {
			return a.CurrentLoad < b.CurrentLoad
		}
		if !a.LastTaskAssignedAt.Equal(b.LastTaskAssignedAt) {
			return a.LastTaskAssignedAt.Before(b.LastTaskAssignedAt)
		}
		return droneScore(a, task, now) > droneScore(b, task, now)
	})
	return eligible[0]
}

// droneScore is the selection tiebreak: capability overlap and idle time
// raise it, load lowers it, task priority raises it.
func droneScore(d registry.DroneInfo, task *queue.Task, now time.Time) float64 {
	overlap := 0
	have := make(map[string]struct{}, len(d.StaticCapabilities))
	for _, c := range d.StaticCapabilities {
		have[c] = struct{}{}
	}
	for _, c := range task.RequiredCapabilities {
		if _, ok := have[c]; ok {
			overlap++
		}
	}

	idleMinutes := 0.0
	if !d.LastTaskAssignedAt.IsZero() {
		idleMinutes = now.Sub(d.LastTaskAssignedAt).Minutes()
		if idleMinutes < 0 {
			idleMinutes = 0
		}
	}
	idleBonus := 0.01 * idleMinutes
	if idleBonus > 0.5 {
		idleBonus = 0.5
	}

	return 1 +
		0.1*float64(overlap) +
		idleBonus -
		0.2*float64(d.CurrentLoad) +
		0.3*float64(task.Priority)
}
