package avs

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/alxayo/go-rts/internal/rts/wire"
)

// ifaceAddr is one address on one interface, as the operator console renders
// it.
type ifaceAddr struct {
	IP      string `json:"ip"`
	Netmask string `json:"netmask"`
}

// collectInfo gathers device telemetry best-effort: whatever cannot be read
// on this box stays nil and the coordinator keeps the previous value.
func collectInfo() wire.AvsInfo {
	var info wire.AvsInfo

	if nets := networkMap(); len(nets) > 0 {
		if b, err := json.Marshal(nets); err == nil {
			s := string(b)
			info.Networks = &s
		}
	}

	if total, free, ok := memInfo(); ok {
		t := strconv.FormatUint(total, 10)
		f := strconv.FormatUint(free, 10)
		info.MemTotal = &t
		info.MemFree = &f
	}

	if total, free, ok := diskInfo(); ok {
		t := strconv.FormatUint(total, 10)
		f := strconv.FormatUint(free, 10)
		info.DiskTotal = &t
		info.DiskFree = &f
	}

	if temp, ok := cpuTemp(); ok {
		info.CPUTemp = &temp
	}
	return info
}

// networkMap lists every interface's addresses keyed by interface name.
func networkMap() map[string][]ifaceAddr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make(map[string][]ifaceAddr, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		list := make([]ifaceAddr, 0, len(addrs))
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			list = append(list, ifaceAddr{
				IP:      ipnet.IP.String(),
				Netmask: net.IP(ipnet.Mask).String(),
			})
		}
		if len(list) > 0 {
			out[iface.Name] = list
		}
	}
	return out
}

// cpuTemp reads the first thermal zone in degrees Celsius. The sysfs file
// holds millidegrees.
func cpuTemp() (string, bool) {
	raw, err := os.ReadFile("/sys/class/thermal/thermal_zone0/temp")
	if err != nil {
		return "", false
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return "", false
	}
	return strconv.FormatFloat(milli/1000, 'f', 2, 64), true
}
