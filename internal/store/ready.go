package store

import "github.com/hydrabyte-co/hydra-services-sub000/internal/model"

// GetReadySteps returns the indices of pending steps whose dependencies are
// satisfied. It inspects only the execution passed in, so callers must pass a
// freshly loaded execution.
func GetReadySteps(e *model.Execution) []int {
	var ready []int
	for i := range e.Steps {
		if IsStepReady(e, i) {
			ready = append(ready, i)
		}
	}
	return ready
}

// IsStepReady reports whether the step at index may leave pending. Every
// dependency must be completed, skipped, or failed and optional.
func IsStepReady(e *model.Execution, index int) bool {
	if index < 0 || index >= len(e.Steps) {
		return false
	}
	step := e.Steps[index]
	if step.Status != model.StepPending {
		return false
	}
	for _, dep := range step.DependsOn {
		if dep < 0 || dep >= len(e.Steps) || dep == index {
			return false
		}
		if !dependencySatisfied(e.Steps[dep]) {
			return false
		}
	}
	return true
}

func dependencySatisfied(dep model.Step) bool {
	switch dep.Status {
	case model.StepCompleted, model.StepSkipped:
		return true
	case model.StepFailed:
		return dep.Optional
	}
	return false
}

// findCycle runs Kahn's algorithm over the step dependencies. When some
// steps can never be ordered it reports the lowest such index. Indices must
// already be in range.
func findCycle(steps []model.StepSpec) (int, bool) {
	inDegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, st := range steps {
		seen := make(map[int]bool, len(st.DependsOn))
		for _, dep := range st.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			inDegree[i]++
			dependents[dep] = append(dependents[dep], i)
		}
	}

	queue := make([]int, 0, len(steps))
	for i, n := range inDegree {
		if n == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, d := range dependents[i] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	for i, n := range inDegree {
		if n > 0 {
			return i, true
		}
	}
	return 0, false
}
