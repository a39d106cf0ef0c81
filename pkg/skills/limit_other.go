//go:build !linux

package skills

// withMemoryLimit is a no-op where RLIMIT_AS is not enforced.
func withMemoryLimit(bin string, args []string, _ int) (string, []string) {
	return bin, args
}
