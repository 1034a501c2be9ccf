package jobhandler

import (
	"github.com/shirou/gopsutil/v3/process"
)

// treeRSS sums the resident-set size of pid and every descendant
// currently alive. Processes that exit mid-walk are simply skipped;
// a best-effort sample is all the supervision loop needs.
func treeRSS(pid int32) uint64 {
	var total uint64
	for _, p := range processTree(pid) {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			total += mi.RSS
		}
	}
	return total
}

// processTree returns pid's process handle and all of its transitive
// children, walking the system process table breadth-first.
func processTree(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	out := []*process.Process{root}
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		for _, c := range children {
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// pidsInTree returns the OS PIDs of pid and every descendant, pid
// first and the most deeply nested last, used when delivering
// termination signals; signalTree signals them in that order, so a
// parent is signaled before its children.
func pidsInTree(pid int32) []int32 {
	procs := processTree(pid)
	pids := make([]int32, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.Pid)
	}
	return pids
}
