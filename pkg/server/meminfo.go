package server

import (
	"os"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/motivemetrics/zerog/pkg/mgmt"
)

// memSnapshot reports bytes available on the host and the resident set of
// this process plus its children.
func memSnapshot() mgmt.Mem {
	var snapshot mgmt.Mem

	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot.Available = vm.Available
	} else {
		log.Warnw("reading virtual memory", "error", err)
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return snapshot
	}
	if info, err := proc.MemoryInfo(); err == nil {
		snapshot.Used += info.RSS
	}
	children, err := proc.Children()
	if err != nil {
		return snapshot
	}
	for _, child := range children {
		if info, err := child.MemoryInfo(); err == nil {
			snapshot.Used += info.RSS
		}
	}
	return snapshot
}
