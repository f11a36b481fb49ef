package main

import (
	"os"
	"strconv"
	"syscall"

	"github.com/jnesss/cpu-guardian/alerts"
)

// dropPrivileges demotes the process to the sudo-invoking user once the
// counters are open. Reading perf descriptors needs no elevation, so the
// detection phase runs unprivileged. A plain-root launch (no SUDO_* vars)
// stays as it is.
func dropPrivileges(logger *alerts.Logger) {
	if os.Geteuid() != 0 {
		return
	}

	sudoUID := os.Getenv("SUDO_UID")
	sudoGID := os.Getenv("SUDO_GID")
	if sudoUID == "" || sudoGID == "" {
		return
	}

	uid, err := strconv.Atoi(sudoUID)
	if err != nil {
		logger.Infof("invalid SUDO_UID %q: %v", sudoUID, err)
		return
	}
	gid, err := strconv.Atoi(sudoGID)
	if err != nil {
		logger.Infof("invalid SUDO_GID %q: %v", sudoGID, err)
		return
	}

	if err := syscall.Setgid(gid); err != nil {
		logger.Infof("could not drop group privileges: %v", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		logger.Infof("could not drop user privileges: %v", err)
	}
	logger.Infof("dropped privileges to uid=%d gid=%d", uid, gid)
}
