package power

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgpuctl/dgpuctl/internal/pci"
)

type fakeApplier struct {
	applied []pci.RuntimePM
	err     error
}

func (f *fakeApplier) SetRuntimePM(pm pci.RuntimePM) error {
	f.applied = append(f.applied, pm)
	return f.err
}

func TestPolicy_RuntimePM(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		want   pci.RuntimePM
	}{
		{"ac with boost keeps the gpu awake", Policy{OnAC: true, DynamicBoost: true}, pci.RuntimePMOn},
		{"ac without boost", Policy{OnAC: true}, pci.RuntimePMAuto},
		{"battery", Policy{}, pci.RuntimePMAuto},
		{"boost alone means nothing off mains", Policy{DynamicBoost: true}, pci.RuntimePMAuto},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.policy.RuntimePM())
		})
	}
}

func propertiesChanged(iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Name: propsIface + ".PropertiesChanged",
		Body: []interface{}{iface, changed, []string{}},
	}
}

func TestOnBatteryFromSignal(t *testing.T) {
	onBattery := map[string]dbus.Variant{"OnBattery": dbus.MakeVariant(true)}
	onAC := map[string]dbus.Variant{"OnBattery": dbus.MakeVariant(false)}

	cases := []struct {
		name         string
		sig          *dbus.Signal
		wantValue    bool
		wantRelevant bool
	}{
		{"nil signal", nil, false, false},
		{
			"unrelated signal name",
			&dbus.Signal{Name: "org.freedesktop.login1.Manager.SessionRemoved"},
			false, false,
		},
		{
			"short body",
			&dbus.Signal{Name: propsIface + ".PropertiesChanged", Body: []interface{}{upowerIface}},
			false, false,
		},
		{
			"properties of another interface",
			propertiesChanged("org.freedesktop.UPower.Device", onBattery),
			false, false,
		},
		{
			"change without OnBattery",
			propertiesChanged(upowerIface, map[string]dbus.Variant{"LidIsClosed": dbus.MakeVariant(true)}),
			false, false,
		},
		{
			"OnBattery with a non-bool value",
			propertiesChanged(upowerIface, map[string]dbus.Variant{"OnBattery": dbus.MakeVariant("yes")}),
			false, false,
		},
		{"went on battery", propertiesChanged(upowerIface, onBattery), true, true},
		{"back on mains", propertiesChanged(upowerIface, onAC), false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			value, relevant := onBatteryFromSignal(tc.sig)
			assert.Equal(t, tc.wantRelevant, relevant)
			assert.Equal(t, tc.wantValue, value)
		})
	}
}

func TestMonitor_ApplySkipsUnchangedPolicy(t *testing.T) {
	gpu := &fakeApplier{}
	m := NewMonitor(gpu, true, nil)

	m.apply(false)
	m.apply(false)
	require.Len(t, gpu.applied, 1, "same stance is not rewritten")
	assert.Equal(t, pci.RuntimePMOn, gpu.applied[0])

	m.apply(true)
	require.Len(t, gpu.applied, 2)
	assert.Equal(t, pci.RuntimePMAuto, gpu.applied[1])
	assert.Equal(t, Policy{}, m.Policy())
}

func TestMonitor_ApplyRetriesAfterFailure(t *testing.T) {
	// The dGPU can be detached when the event arrives; the next event must
	// try again rather than treating the stance as settled.
	gpu := &fakeApplier{err: errors.New("no such device")}
	m := NewMonitor(gpu, false, nil)

	m.apply(true)
	gpu.err = nil
	m.apply(true)
	assert.Len(t, gpu.applied, 2)
}
