//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// checkFilePermissions returns a warning if the config file may be readable
// by other users. Config files carry store credentials.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	out, err := exec.Command("icacls", path).Output()
	if err != nil {
		return "" // Can't check, skip
	}
	acl := strings.ToLower(string(out))

	for _, grantee := range []string{"everyone", "authenticated users", "users", `builtin\users`} {
		if strings.Contains(acl, grantee) {
			return fmt.Sprintf(
				"WARNING: Config file '%s' may have insecure permissions\n"+
					"         Other users may be able to read your store credentials.\n"+
					"         Run in PowerShell to secure:\n"+
					"         icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n\n",
				path, path,
			)
		}
	}
	return ""
}
