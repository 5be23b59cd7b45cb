//go:build !linux && !darwin

package logger

// isTerminal reports whether fd refers to a terminal. Platforms without
// termios get plain output.
func isTerminal(fd uintptr) bool {
	return false
}
