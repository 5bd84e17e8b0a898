// Package sysinfo gathers the machine facts a worker daemon reports in its
// PONG reply: hostname, cpu count, 1-minute load average, and an informal
// architecture tag.
package sysinfo

import (
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/thought-machine/ppcd/internal/protocol"
)

// Gather collects a best-effort SystemInfo snapshot. Any individual probe
// that fails falls back to a conservative default rather than failing the
// whole probe: a worker that can't introspect itself still shouldn't refuse
// to answer PING.
func Gather() protocol.SystemInfo {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return protocol.SystemInfo{
		Hostname: hostname,
		Arch:     archTag(),
		CPUs:     cpuCount(),
		Load:     loadAverage(),
	}
}

func cpuCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func loadAverage() float64 {
	avg, err := load.Avg()
	if err != nil || avg == nil {
		return 0.0
	}
	return avg.Load1
}

// archTag classifies the CPU brand string into one of the informal tags the
// protocol reports. g4/g5 markers are a holdover from this system's PowerPC
// roots (distributing compiles across a mix of G4 and G5 Macs); anything
// else is reported generically.
func archTag() string {
	infos, err := cpu.Info()
	if err != nil || len(infos) == 0 {
		return "ppc"
	}
	brand := strings.ToLower(infos[0].ModelName)
	switch {
	case containsAny(brand, "970", "g5", "powerpc 970"):
		return "g5"
	case containsAny(brand, "7447", "7450", "g4", "74"):
		return "g4"
	default:
		return "ppc"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
