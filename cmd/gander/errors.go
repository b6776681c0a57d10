package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// printError prints an actionable error to stderr and exits.
func printError(what string, cause error, fix string) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Error:", what)
	fmt.Fprintln(os.Stderr, "Cause:", cause)
	fmt.Fprintln(os.Stderr, "Fix:  ", fix)
	fmt.Fprintln(os.Stderr)
	os.Exit(1)
}

// portInUseFix returns OS-specific instructions for freeing a port.
func portInUseFix(addr string) string {
	port := addr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		port = addr[idx+1:]
	}

	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       netstat -ano | findstr :%s
       taskkill /PID <pid> /F

       Or use a different port:
       gander -port 8899`, port, port)

	case "darwin":
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       lsof -i :%s
       kill <pid>

       Or use a different port:
       gander -port 8899`, port, port)

	default: // linux and others
		return fmt.Sprintf(`Port %s is in use. Find and stop the process:
       ss -tlnp | grep :%s
       # or: lsof -i :%s
       kill <pid>

       Or use a different port:
       gander -port 8899`, port, port, port)
	}
}

// caCorruptFix returns instructions for regenerating the CA certificate.
func caCorruptFix(certsDir string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`The CA certificate appears corrupted. Delete and regenerate:
       del /Q "%s\\ca.crt" "%s\\ca.key"
       gander`, certsDir, certsDir)

	default:
		return fmt.Sprintf(`The CA certificate appears corrupted. Delete and regenerate:
       rm -f "%s/ca.crt" "%s/ca.key"
       gander`, certsDir, certsDir)
	}
}

// caPermissionFix returns instructions for fixing CA file permissions.
func caPermissionFix(certsDir string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Cannot write to certificate directory. Check permissions:
       icacls "%s"

       Or run as Administrator`, certsDir)

	default:
		return fmt.Sprintf(`Cannot write to certificate directory. Fix permissions:
       chmod 700 "%s"
       chown $USER "%s"`, certsDir, certsDir)
	}
}

// configLoadFix returns guidance for configuration load failures.
func configLoadFix(path string) string {
	if path == "" {
		path = "~/.config/gander/config.yaml"
	}
	return fmt.Sprintf(`Check that %s is valid YAML, or remove it to start
       with defaults:
       gander -config /path/to/config.yaml`, path)
}

// dbOpenFix returns guidance for store initialization failures.
func dbOpenFix(dbPath string) string {
	return fmt.Sprintf(`Check that the data directory is writable and that no other
       gander instance holds %s open. To start fresh:
       rm -f "%s"`, dbPath, dbPath)
}

// isPermissionError checks whether an error chain smells like EACCES.
func isPermissionError(err error) bool {
	return err != nil && (os.IsPermission(err) || strings.Contains(err.Error(), "permission denied"))
}
