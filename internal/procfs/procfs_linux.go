// Package procfs reads process state from /proc.
package procfs

import (
	"github.com/prometheus/procfs"
)

// Stat is the part of /proc/<pid>/stat this package reads.
type Stat struct {
	Pid   int
	Comm  string
	State string
	PPid  int
}

// ReadStat reads /proc/<pid>/stat.
func ReadStat(pid int) (Stat, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return Stat{}, err
	}
	return readStat(fs, pid)
}

// ParentPid returns the pid of the parent of pid.
func ParentPid(pid int) (int, error) {
	st, err := ReadStat(pid)
	if err != nil {
		return 0, err
	}
	return st.PPid, nil
}

func readStat(fs procfs.FS, pid int) (Stat, error) {
	p, err := fs.Proc(pid)
	if err != nil {
		return Stat{}, err
	}
	st, err := p.Stat()
	if err != nil {
		return Stat{}, err
	}
	return Stat{Pid: st.PID, Comm: st.Comm, State: st.State, PPid: st.PPID}, nil
}
