//go:build linux && amd64

package rdtcap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbeMSRParsesCPUID(t *testing.T) {
	old := cpuidFn
	defer func() { cpuidFn = old }()

	cpuidFn = func(eax, ecx uint32) (uint32, uint32, uint32, uint32) {
		switch {
		case eax == leafExtFeatures && ecx == 0:
			return 0, ebxRDTM | ebxRDTA, 0, 0
		case eax == leafMon && ecx == 0:
			return 0, 255, 0, edxMonL3
		case eax == leafMon && ecx == subleafMonL3:
			return 0, 64, 0, edxMonL3Occupancy | edxMonL3TotalBW | edxMonL3LocalBW
		case eax == leafAlloc && ecx == 0:
			return 0, ebxAllocL3 | ebxAllocL2 | ebxAllocMB, 0, 0
		case eax == leafAlloc && ecx == subleafAllocL3:
			return 10, 0xfff, ecxAllocCDP, 15
		case eax == leafAlloc && ecx == subleafAllocL2:
			return 6, 0xff, 0, 7
		case eax == leafAlloc && ecx == subleafAllocMB:
			return 90, 0, ecxAllocMBALinear, 7
		}
		return 0, 0, 0, 0
	}

	cap, err := probeMSR()
	require.NoError(t, err)

	require.NotNil(t, cap.Mon)
	require.True(t, cap.Mon.Events().Has(EventLLCOccupancy|EventTotalMBW|EventLocalMBW))

	require.NotNil(t, cap.L3CA)
	require.EqualValues(t, 11, cap.L3CA.NumWays)
	require.EqualValues(t, 16, cap.L3CA.NumClasses)
	require.True(t, cap.L3CA.CDPSupported)

	require.NotNil(t, cap.L2CA)
	require.EqualValues(t, 7, cap.L2CA.NumWays)

	require.NotNil(t, cap.MBA)
	require.True(t, cap.MBA.IsLinear)
	require.EqualValues(t, 91, cap.MBA.ThrottleMax)
}

func TestProbeMSRNoFeatures(t *testing.T) {
	old := cpuidFn
	defer func() { cpuidFn = old }()
	cpuidFn = func(eax, ecx uint32) (uint32, uint32, uint32, uint32) { return 0, 0, 0, 0 }

	_, err := probeMSR()
	require.Error(t, err)
}
