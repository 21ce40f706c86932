package sandbox

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// clockTicksPerSecond is sysconf(_SC_CLK_TCK) on every Linux platform
// Go supports (always 100 since the 2.6 kernel ABI froze it there).
const clockTicksPerSecond = 100

// cpuSeconds reads utime+stime (fields 14 and 15) from /proc/<pid>/stat
// and converts clock ticks to seconds, for the software CPU-time
// watchdog (spec §4.1 step 5). Returns 0, nil once the process has
// exited and the file is gone.
func cpuSeconds(pid int) (float64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	// Fields after the ")" that closes the process name are
	// space-separated and positionally fixed; utime is field 14, stime
	// field 15 (1-indexed), i.e. index 11 and 12 after the split.
	closeParen := strings.LastIndexByte(string(data), ')')
	if closeParen < 0 || closeParen+2 >= len(data) {
		return 0, nil
	}
	fields := strings.Fields(string(data[closeParen+2:]))
	if len(fields) < 13 {
		return 0, nil
	}
	utime, err1 := strconv.ParseFloat(fields[11], 64)
	stime, err2 := strconv.ParseFloat(fields[12], 64)
	if err1 != nil || err2 != nil {
		return 0, nil
	}
	return (utime + stime) / clockTicksPerSecond, nil
}
