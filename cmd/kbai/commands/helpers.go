package commands

import "strings"

// joinArgs joins positional arguments so unquoted questions still work.
func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
