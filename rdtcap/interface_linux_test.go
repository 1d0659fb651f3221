//go:build linux

package rdtcap

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, key, val string, set bool) {
	t.Helper()
	old, hadOld := os.LookupEnv(key)
	if set {
		os.Setenv(key, val)
	} else {
		os.Unsetenv(key)
	}
	t.Cleanup(func() {
		if hadOld {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestDiscoverInterfaceNoEnvMSR(t *testing.T) {
	withEnv(t, "RDT_IFACE", "", false)
	old := resctrlPresent
	resctrlPresent = func() bool { return false }
	defer func() { resctrlPresent = old }()

	iface, err := DiscoverInterface(MSR)
	require.NoError(t, err)
	require.Equal(t, MSR, iface)
}

func TestDiscoverInterfaceEnvOverridesAutoWhenResctrlPresent(t *testing.T) {
	withEnv(t, "RDT_IFACE", "OS", true)
	old := resctrlPresent
	resctrlPresent = func() bool { return true }
	defer func() { resctrlPresent = old }()

	iface, err := DiscoverInterface(Auto)
	require.NoError(t, err)
	require.Equal(t, OS, iface)
}

func TestDiscoverInterfaceEnvOSErrorsWithoutResctrl(t *testing.T) {
	withEnv(t, "RDT_IFACE", "OS", true)
	old := resctrlPresent
	resctrlPresent = func() bool { return false }
	defer func() { resctrlPresent = old }()

	_, err := DiscoverInterface(Auto)
	require.Error(t, err)
}

func TestDiscoverInterfaceEnvOSResctrlMonErrorsWithoutResctrl(t *testing.T) {
	withEnv(t, "RDT_IFACE", "OS_RESCTRL_MON", true)
	old := resctrlPresent
	resctrlPresent = func() bool { return false }
	defer func() { resctrlPresent = old }()

	_, err := DiscoverInterface(Auto)
	require.Error(t, err)
}

func TestDiscoverInterfaceConflictIsError(t *testing.T) {
	withEnv(t, "RDT_IFACE", "MSR", true)

	_, err := DiscoverInterface(OS)
	require.Error(t, err)
}

func TestDiscoverInterfaceAutoPrefersOSWhenResctrlPresent(t *testing.T) {
	withEnv(t, "RDT_IFACE", "", false)
	old := resctrlPresent
	resctrlPresent = func() bool { return true }
	defer func() { resctrlPresent = old }()

	iface, err := DiscoverInterface(Auto)
	require.NoError(t, err)
	require.Equal(t, OS, iface)
}
