package runtime

import (
	"testing"

	"github.com/containerd/containerd"
	"github.com/cuemby/dynsched/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestMapTaskStatus(t *testing.T) {
	tests := []struct {
		name   string
		status containerd.Status
		want   types.ServiceState
	}{
		{"running", containerd.Status{Status: containerd.Running}, types.ServiceStateRunning},
		{"created", containerd.Status{Status: containerd.Created}, types.ServiceStateStarting},
		{"paused", containerd.Status{Status: containerd.Paused}, types.ServiceStateStarting},
		{"clean exit", containerd.Status{Status: containerd.Stopped, ExitStatus: 0}, types.ServiceStateComplete},
		{"crashed", containerd.Status{Status: containerd.Stopped, ExitStatus: 137}, types.ServiceStateFailed},
		{"unknown", containerd.Status{Status: containerd.Unknown}, types.ServiceStatePending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mapTaskStatus(tt.status))
		})
	}
}

func TestNextTaskStep(t *testing.T) {
	tests := []struct {
		status containerd.ProcessStatus
		want   taskStep
	}{
		{containerd.Running, taskKeep},
		{containerd.Paused, taskKeep},
		{containerd.Pausing, taskKeep},
		{containerd.Created, taskStart},
		{containerd.Stopped, taskRecreate},
		{containerd.Unknown, taskRecreate},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, nextTaskStep(tt.status))
		})
	}
}

func TestSidecarEnv(t *testing.T) {
	svc := &types.TrackedServiceContext{
		NodeID:    "node-1",
		RunID:     "run-1",
		ProjectID: "project-1",
		Port:      8000,
		Paths:     types.PathMappings{InputsPath: "/work/inputs"},
	}

	env := sidecarEnv(svc)
	assert.Contains(t, env, "DYNSCHED_NODE_ID=node-1")
	assert.Contains(t, env, "DYNSCHED_RUN_ID=run-1")
	assert.Contains(t, env, "DYNSCHED_PROJECT_ID=project-1")
	assert.Contains(t, env, "DYNSCHED_INPUTS_PATH=/work/inputs")
	assert.Contains(t, env, "DYNSCHED_PORT=8000")
}

func TestResourceOpts(t *testing.T) {
	assert.Empty(t, resourceOpts(nil))
	assert.Empty(t, resourceOpts(&types.ResourceRequirements{}))
	assert.Len(t, resourceOpts(&types.ResourceRequirements{CPULimit: 0.5}), 1)
	assert.Len(t, resourceOpts(&types.ResourceRequirements{CPULimit: 2, MemoryLimit: 1 << 30}), 2)
}

func TestIsContextLabel(t *testing.T) {
	assert.True(t, isContextLabel(types.LabelContextPrefix+"3"))
	assert.True(t, isContextLabel(types.LabelContextChunks))
	assert.False(t, isContextLabel(types.LabelNodeID))
}
