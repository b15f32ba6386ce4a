package avs

import (
	"encoding/json"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectInfoIsBestEffort(t *testing.T) {
	info := collectInfo()

	if runtime.GOOS == "linux" {
		require.NotNil(t, info.MemTotal)
		total, err := strconv.ParseUint(*info.MemTotal, 10, 64)
		require.NoError(t, err)
		assert.Positive(t, total)
		require.NotNil(t, info.DiskTotal)
	}

	if info.Networks != nil {
		var m map[string][]ifaceAddr
		require.NoError(t, json.Unmarshal([]byte(*info.Networks), &m))
		for name, addrs := range m {
			assert.NotEmpty(t, name)
			for _, a := range addrs {
				assert.NotEmpty(t, a.IP)
				assert.NotEmpty(t, a.Netmask)
			}
		}
	}
}

func TestNetworkMapSkipsAddressFreeInterfaces(t *testing.T) {
	for _, addrs := range networkMap() {
		assert.NotEmpty(t, addrs, "interfaces without addresses must not appear")
	}
}
