package agent

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/hydrabyte-co/hydra-services-sub000/internal/model"
)

// CollectInventory describes the host the agent runs on.
func CollectInventory(version string, labels map[string]string) model.Inventory {
	host, _ := os.Hostname()
	return model.Inventory{
		Hostname:     host,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		MemoryMB:     memTotalMB("/proc/meminfo"),
		AgentVersion: version,
		Labels:       labels,
	}
}

// memTotalMB reads MemTotal from a meminfo file. It returns 0 when the file
// is missing, as on non-Linux hosts.
func memTotalMB(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}
