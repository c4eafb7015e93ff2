package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

func execWithSteps(steps ...model.Step) *model.Execution {
	for i := range steps {
		steps[i].Index = i
		if steps[i].Status == "" {
			steps[i].Status = model.StepPending
		}
	}
	return &model.Execution{Status: model.StatusRunning, Steps: steps}
}

func TestGetReadyStepsNoDependencies(t *testing.T) {
	e := execWithSteps(model.Step{}, model.Step{}, model.Step{Status: model.StepRunning})
	assert.Equal(t, []int{0, 1}, GetReadySteps(e))
}

func TestGetReadyStepsDependencyStates(t *testing.T) {
	tests := []struct {
		name    string
		dep     model.Step
		wantRdy bool
	}{
		{"pending dependency", model.Step{Status: model.StepPending}, false},
		{"running dependency", model.Step{Status: model.StepRunning}, false},
		{"completed dependency", model.Step{Status: model.StepCompleted}, true},
		{"skipped dependency", model.Step{Status: model.StepSkipped}, true},
		{"failed required dependency", model.Step{Status: model.StepFailed}, false},
		{"failed optional dependency", model.Step{Status: model.StepFailed, Optional: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := execWithSteps(tt.dep, model.Step{DependsOn: []int{0}})
			if got := IsStepReady(e, 1); got != tt.wantRdy {
				t.Errorf("IsStepReady = %v, want %v", got, tt.wantRdy)
			}
		})
	}
}

func TestGetReadyStepsAllDependenciesRequired(t *testing.T) {
	e := execWithSteps(
		model.Step{Status: model.StepCompleted},
		model.Step{Status: model.StepRunning},
		model.Step{DependsOn: []int{0, 1}},
	)
	assert.Empty(t, GetReadySteps(e))

	e.Steps[1].Status = model.StepCompleted
	assert.Equal(t, []int{2}, GetReadySteps(e))
}

func TestGetReadyStepsFanOut(t *testing.T) {
	e := execWithSteps(
		model.Step{},
		model.Step{DependsOn: []int{0}},
		model.Step{DependsOn: []int{0}, Optional: true},
	)
	assert.Equal(t, []int{0}, GetReadySteps(e))

	e.Steps[0].Status = model.StepCompleted
	assert.Equal(t, []int{1, 2}, GetReadySteps(e))
}

func TestIsStepReadyInvalidReferences(t *testing.T) {
	e := execWithSteps(model.Step{DependsOn: []int{5}}, model.Step{DependsOn: []int{1}})
	assert.False(t, IsStepReady(e, 0))
	assert.False(t, IsStepReady(e, 1))
	assert.False(t, IsStepReady(e, -1))
	assert.False(t, IsStepReady(e, 2))
}

func TestFindCycle(t *testing.T) {
	dep := func(d ...int) model.StepSpec { return model.StepSpec{DependsOn: d} }
	tests := []struct {
		name      string
		steps     []model.StepSpec
		wantCycle bool
		wantIndex int
	}{
		{"chain", []model.StepSpec{dep(), dep(0), dep(1)}, false, 0},
		{"diamond", []model.StepSpec{dep(), dep(0), dep(0), dep(1, 2)}, false, 0},
		{"duplicate edge", []model.StepSpec{dep(), dep(0, 0)}, false, 0},
		{"two step loop", []model.StepSpec{dep(1), dep(0)}, true, 0},
		{"loop behind a root", []model.StepSpec{dep(), dep(0, 3), dep(1), dep(2)}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, ok := findCycle(tt.steps)
			if ok != tt.wantCycle {
				t.Fatalf("findCycle cycle = %v, want %v", ok, tt.wantCycle)
			}
			if ok && idx != tt.wantIndex {
				t.Errorf("findCycle index = %d, want %d", idx, tt.wantIndex)
			}
		})
	}
}
