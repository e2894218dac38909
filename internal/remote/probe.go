package remote

import (
	"fmt"
	"strconv"
	"strings"
)

// Probe is a closed set of post-deploy verification commands. Only
// commands built here are ever sent to a host by the verify stage.
type Probe struct {
	kind string
	arg  string
}

func (p Probe) String() string {
	switch p.kind {
	case "process":
		return "pgrep -f " + shellQuote(p.arg) + " | wc -l"
	case "listen":
		return "ss -ltn 2>/dev/null | awk '{print $4}' | grep -c ':" + p.arg + "$'"
	default:
		return "false"
	}
}

// ProbeProcess counts processes whose command line matches pattern.
func ProbeProcess(pattern string) Probe { return Probe{kind: "process", arg: pattern} }

// ProbeListen counts listening TCP sockets on port.
func ProbeListen(port int) Probe { return Probe{kind: "listen", arg: strconv.Itoa(port)} }

// ParseCount reads the single integer a counting probe prints.
func ParseCount(out string) (int, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty probe output")
	}
	n, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("bad probe output %q: %w", out, err)
	}
	return n, nil
}
