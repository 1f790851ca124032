package cmd

import (
	"os/exec"
	"os/user"
	"strings"
)

// activityActor names the actor recorded in activity log entries. A
// configured actor wins; otherwise git's user.name, then the OS account.
func activityActor(configured string) string {
	if a := strings.TrimSpace(configured); a != "" {
		return a
	}
	if out, err := exec.Command("git", "config", "user.name").Output(); err == nil {
		if name := strings.TrimSpace(string(out)); name != "" {
			return name
		}
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
