package proctool

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	sysconf "github.com/tklauser/go-sysconf"
)

// PidAlive reports whether a process with the given pid exists. EPERM
// still means the pid is taken.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// TerminatePid signals an arbitrary process group by pid. Used only for
// processes this program spawned, as proven by the recovery file.
func TerminatePid(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		// fall back to the single process when it has no group of its own
		return syscall.Kill(pid, sig)
	}
	return nil
}

// isZombie reports a Z state in /proc/<pid>/status on Linux; other
// platforms return false.
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Cmdline returns the command line of a live process, space-joined, or ""
// when unavailable.
func Cmdline(pid int) string {
	if pid <= 0 {
		return ""
	}
	if runtime.GOOS != "linux" {
		// sysctl-backed on Darwin/BSD
		p, err := gopsproc.NewProcess(int32(pid))
		if err != nil {
			return ""
		}
		args, err := p.CmdlineSlice()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(strings.Join(args, " "))
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(string(b), "\x00", " "))
}

// StartUnix returns the process start time as Unix seconds, or 0 when it
// cannot be determined. Combined with the pid it identifies one incarnation
// of a process, which is how pid reuse is detected.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS != "linux" {
		p, err := gopsproc.NewProcess(int32(pid))
		if err != nil {
			return 0
		}
		ms, err := p.CreateTime()
		if err != nil || ms <= 0 {
			return 0
		}
		return ms / 1000
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	parts := strings.Fields(strings.TrimSpace(line[end+2:]))
	if len(parts) < 20 {
		return 0
	}
	startTicks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || startTicks <= 0 {
		return 0
	}
	btime := bootTimeUnix()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + startTicks/int64(clk)
}

func bootTimeUnix() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if strings.HasPrefix(s.Text(), "btime ") {
			v := strings.TrimSpace(strings.TrimPrefix(s.Text(), "btime "))
			if bt, err := strconv.ParseInt(v, 10, 64); err == nil {
				return bt
			}
		}
	}
	return 0
}
