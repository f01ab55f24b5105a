package switcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgpuctl/dgpuctl/internal/config"
	"github.com/dgpuctl/dgpuctl/internal/mode"
)

func TestBuildPlan_HybridToIntegrated(t *testing.T) {
	plan, err := BuildPlan(mode.ModeHybrid, mode.ModeIntegrated, config.HotplugNone)
	require.NoError(t, err)

	assert.True(t, plan.Disruptive)
	assert.False(t, plan.RebootRequired)
	assert.Equal(t, []Step{
		StepUnloadDrivers, StepUnbindRemoveGpu, StepWriteModprobeConf,
	}, plan.Steps)
}

func TestBuildPlan_HotplugStepsInjected(t *testing.T) {
	std, err := BuildPlan(mode.ModeHybrid, mode.ModeIntegrated, config.HotplugStd)
	require.NoError(t, err)
	assert.Equal(t, StepHotplugOff, std.Steps[len(std.Steps)-1])

	asus, err := BuildPlan(mode.ModeHybrid, mode.ModeIntegrated, config.HotplugAsus)
	require.NoError(t, err)
	assert.Equal(t, StepDgpuDisable, asus.Steps[len(asus.Steps)-1])

	up, err := BuildPlan(mode.ModeIntegrated, mode.ModeHybrid, config.HotplugStd)
	require.NoError(t, err)
	assert.Contains(t, up.Steps, StepHotplugOn)
}

func TestBuildPlan_HybridToDedicatedIsCheap(t *testing.T) {
	plan, err := BuildPlan(mode.ModeHybrid, mode.ModeDedicatedOnly, config.HotplugNone)
	require.NoError(t, err)

	assert.False(t, plan.Disruptive, "drivers stay loaded, nothing torn down")
	assert.Equal(t, []Step{StepWriteModprobeConf}, plan.Steps)
}

func TestBuildPlan_HybridToVfioNeedsIntegratedFirst(t *testing.T) {
	_, err := BuildPlan(mode.ModeHybrid, mode.ModeVfio, config.HotplugNone)
	require.Error(t, err)

	var requires *ErrRequiresAction
	require.True(t, errors.As(err, &requires))
	assert.Equal(t, mode.ActionIntegratedFirst, requires.Action)
}

func TestBuildPlan_IntegratedToVfioIsDirect(t *testing.T) {
	plan, err := BuildPlan(mode.ModeIntegrated, mode.ModeVfio, config.HotplugNone)
	require.NoError(t, err)

	assert.False(t, plan.Disruptive, "no display stack is touched from integrated")
	assert.Contains(t, plan.Steps, StepLoadVfio)
	assert.Contains(t, plan.Steps, StepRescanBus)
}

func TestBuildPlan_VfioBackToHybrid(t *testing.T) {
	plan, err := BuildPlan(mode.ModeVfio, mode.ModeHybrid, config.HotplugNone)
	require.NoError(t, err)

	assert.False(t, plan.Disruptive)
	assert.Equal(t, []Step{
		StepUnloadVfio, StepWriteModprobeConf, StepRescanBus, StepLoadDrivers,
	}, plan.Steps)
}

func TestBuildPlan_MuxAlwaysReboots(t *testing.T) {
	for _, from := range []mode.Mode{
		mode.ModeIntegrated, mode.ModeHybrid, mode.ModeDedicatedOnly, mode.ModeVfio,
	} {
		plan, err := BuildPlan(from, mode.ModeAsusMuxDedicated, config.HotplugNone)
		require.NoError(t, err, "from %s", from)
		assert.True(t, plan.RebootRequired, "from %s", from)
		assert.Contains(t, plan.Steps, StepMuxDedicated, "from %s", from)
	}

	// Leaving MUX dedicated mode is a reboot too.
	plan, err := BuildPlan(mode.ModeAsusMuxDedicated, mode.ModeHybrid, config.HotplugNone)
	require.NoError(t, err)
	assert.True(t, plan.RebootRequired)
	assert.Contains(t, plan.Steps, StepMuxIntegrated)
}

func TestBuildPlan_EgpuRestrictions(t *testing.T) {
	for _, to := range []mode.Mode{mode.ModeVfio, mode.ModeAsusMuxDedicated} {
		_, err := BuildPlan(mode.ModeAsusEgpu, to, config.HotplugNone)
		var requires *ErrRequiresAction
		require.True(t, errors.As(err, &requires), "to %s", to)
		assert.Equal(t, mode.ActionIntegratedFirst, requires.Action)
	}
}

func TestBuildPlan_EgpuToIntegratedUnbindsTwice(t *testing.T) {
	plan, err := BuildPlan(mode.ModeAsusEgpu, mode.ModeIntegrated, config.HotplugNone)
	require.NoError(t, err)

	count := 0
	for _, s := range plan.Steps {
		if s == StepUnbindRemoveGpu {
			count++
		}
	}
	assert.Equal(t, 2, count, "eGPU disable re-enables the internal dGPU")
}

func TestBuildPlan_UnknownPairFails(t *testing.T) {
	_, err := BuildPlan(mode.ModeUnknown, mode.ModeHybrid, config.HotplugNone)
	assert.Error(t, err)
}

func TestBuildPlan_DisruptiveFlags(t *testing.T) {
	cases := []struct {
		from, to   mode.Mode
		disruptive bool
	}{
		{mode.ModeIntegrated, mode.ModeHybrid, true},
		{mode.ModeIntegrated, mode.ModeDedicatedOnly, false},
		{mode.ModeHybrid, mode.ModeAsusEgpu, true},
		{mode.ModeDedicatedOnly, mode.ModeVfio, false},
		{mode.ModeVfio, mode.ModeIntegrated, false},
		{mode.ModeAsusEgpu, mode.ModeHybrid, true},
	}
	for _, tc := range cases {
		plan, err := BuildPlan(tc.from, tc.to, config.HotplugNone)
		require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.disruptive, plan.Disruptive, "%s -> %s", tc.from, tc.to)
	}
}
