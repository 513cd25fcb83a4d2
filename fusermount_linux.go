package fuse3

import (
	"bytes"
	"fmt"
	"os/exec"
)

// findFusermount locates the setuid mount helper shipped with libfuse:
// fusermount3 on FUSE3 systems, fusermount on older installs.
func findFusermount() (string, error) {
	path, err := exec.LookPath("fusermount3")
	if err != nil {
		path, err = exec.LookPath("fusermount")
	}
	if err != nil {
		return "", fmt.Errorf("one of fusermount3 or fusermount must be on PATH: %v", err)
	}

	return path, nil
}

// IsConfigured reports whether the host has the fusermount helper the
// kernel mount path depends on. A false answer means Mount cannot work on
// this system.
func IsConfigured() bool {
	_, err := findFusermount()
	return err == nil
}

// UnmountPath unmounts dir by invoking the external fusermount binary.
// It needs no MountInstance and is the forced-cleanup path for mounts left
// behind by a crashed process.
func UnmountPath(dir string) error {
	fusermount, err := findFusermount()
	if err != nil {
		return err
	}

	cmd := exec.Command(fusermount, "-u", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if len(output) > 0 {
			output = bytes.TrimRight(output, "\n")
			return fmt.Errorf("%v: %s", err, output)
		}

		return err
	}

	return nil
}
