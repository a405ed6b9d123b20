package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// treeKill terminates pid and every descendant it can find, SIGTERM first
// and SIGKILL after timeout for stragglers. It walks /proc/<pid>/task on
// Linux and falls back to pgrep -P elsewhere. The root is signaled first,
// then descendants in breadth-first order, so every process is signaled
// before its own descendants and leaves come last.
func treeKill(pid int, timeout time.Duration) error {
	pids := append([]int{pid}, collectDescendants(pid)...)

	for _, p := range pids {
		_ = syscall.Kill(p, syscall.SIGTERM)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !anyAlive(pids) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	var firstErr error
	for _, p := range pids {
		if err := syscall.Kill(p, syscall.SIGKILL); err != nil && firstErr == nil {
			if !strings.Contains(err.Error(), "no such process") {
				firstErr = err
			}
		}
	}
	return firstErr
}

func anyAlive(pids []int) bool {
	for _, p := range pids {
		if syscall.Kill(p, 0) == nil {
			return true
		}
	}
	return false
}

// dedupReverse reverses pids (so leaves precede ancestors) and drops
// duplicates, preserving the first occurrence's position.
func dedupReverse(pids []int) []int {
	seen := make(map[int]bool, len(pids))
	out := make([]int, 0, len(pids))
	for i := len(pids) - 1; i >= 0; i-- {
		p := pids[i]
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// collectDescendants returns every PID transitively parented by pid,
// in breadth-first discovery order (ancestors before descendants).
func collectDescendants(pid int) []int {
	if runtime.GOOS == "linux" {
		return collectDescendantsLinux(pid)
	}
	return collectDescendantsPgrep(pid)
}

func collectDescendantsLinux(root int) []int {
	var out []int
	queue := []int{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children := childrenOfLinux(cur)
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

// childrenOfLinux reads /proc/<pid>/task/*/children, which the kernel
// maintains directly and needs no full /proc scan.
func childrenOfLinux(pid int) []int {
	taskDir := filepath.Join("/proc", strconv.Itoa(pid), "task")
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil
	}
	var children []int
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(taskDir, e.Name(), "children"))
		if err != nil {
			continue
		}
		for _, f := range strings.Fields(string(data)) {
			if n, err := strconv.Atoi(f); err == nil {
				children = append(children, n)
			}
		}
	}
	return children
}

func collectDescendantsPgrep(root int) []int {
	var out []int
	queue := []int{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children := childrenOfPgrep(cur)
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

func childrenOfPgrep(pid int) []int {
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return nil
	}
	var children []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if n, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			children = append(children, n)
		}
	}
	return children
}

// StopTree stops r the same way Stop does but additionally walks and kills
// the process's descendant tree when TreeKillEnabled is set, matching
// runtimes (bun, node) that spawn grandchildren outside r's process group.
func (r *Process) StopTree(wait time.Duration) error {
	r.mu.Lock()
	cmd := r.cmd
	treeKillOn := r.spec.TreeKillEnabled()
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if !treeKillOn {
		return r.Stop(wait)
	}

	r.SetStopRequested(true)
	pid := cmd.Process.Pid
	return treeKill(pid, wait)
}
