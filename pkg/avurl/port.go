package avurl

import "strconv"

// isPort reports whether s is a decimal port number (0-65535, no leading
// zeros, no sign).
func isPort(s string) bool {
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	if len(s) > 0 && (s[0] == '+' || s[0] == '-') {
		return false
	}
	port, err := strconv.Atoi(s)
	if err != nil {
		return false
	}
	return port >= 0 && port <= 65535
}
