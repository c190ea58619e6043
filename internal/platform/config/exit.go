package config

import (
	"fmt"
	"os"
	"strings"
)

// Exitf writes a formatted error message to stderr and exits with code 1.
// A non-empty service is rendered as a "[SERVICE] " prefix so fatal startup
// errors match the log prefix set by each command.
func Exitf(service string, format string, args ...any) {
	prefix := ""
	if service = strings.TrimSpace(service); service != "" {
		prefix = "[" + strings.ToUpper(service) + "] "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
	os.Exit(1)
}
