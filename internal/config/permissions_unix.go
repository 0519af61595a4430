//go:build unix

package config

import (
	"fmt"
	"os"
)

// checkFilePermissions returns a warning if the config file is readable by
// group or others. Config files carry store credentials.
func checkFilePermissions(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "" // Can't check, skip warning
	}

	mode := info.Mode().Perm()
	if mode&0077 == 0 {
		return ""
	}

	return fmt.Sprintf(
		"WARNING: Config file '%s' has insecure permissions (%04o)\n"+
			"         Other users may be able to read your store credentials.\n"+
			"         Run: chmod 600 %s\n\n",
		path, mode, path,
	)
}
