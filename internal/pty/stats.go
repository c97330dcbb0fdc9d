package pty

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a resource snapshot of the child process.
type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	Threads    int32   `json:"threads"`
	Children   int     `json:"children"`
}

// Stats samples CPU, memory and thread counts for the child. It fails once the
// child has exited.
func (p *Process) Stats() (Stats, error) {
	if p.Exited() {
		return Stats{}, fmt.Errorf("stats for pid %d: process exited", p.pid)
	}
	proc, err := process.NewProcess(int32(p.pid))
	if err != nil {
		return Stats{}, fmt.Errorf("stats for pid %d: %w", p.pid, err)
	}

	s := Stats{PID: p.pid}
	if cpu, err := proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		s.RSSBytes = mem.RSS
	}
	if n, err := proc.NumThreads(); err == nil {
		s.Threads = n
	}
	// Children returns an error when there are none.
	if children, err := proc.Children(); err == nil {
		s.Children = len(children)
	}
	return s, nil
}
