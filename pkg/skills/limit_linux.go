//go:build linux

package skills

import (
	"fmt"
	"os/exec"
)

// limitScript applies the address-space cap in a shell that then execs the
// skill, so the limit holds from the first instruction and is inherited by
// every child. A refused limit is reported on stderr and the skill still runs.
const limitScript = `ulimit -v %d || echo "skill memory limit not applied" >&2; exec "$0" "$@"`

// withMemoryLimit wraps bin and args so they run under RLIMIT_AS of mb
// megabytes. bin is resolved against our own PATH first because the skill's
// environment may not carry one.
func withMemoryLimit(bin string, args []string, mb int) (string, []string) {
	if resolved, err := exec.LookPath(bin); err == nil {
		bin = resolved
	}
	wrapped := append([]string{"-c", fmt.Sprintf(limitScript, mb*1024), bin}, args...)
	return "/bin/sh", wrapped
}
