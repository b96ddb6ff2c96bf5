package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/protect-motion/examples"
)

// runInit prepares a working directory: it creates the data directory
// and writes the example config. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing protect-motion in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", dataDir)

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml with your controller address and credentials.")
	fmt.Fprintln(w, "Secrets can go in a .env file next to it.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. The config holds credentials, so it is created 0600.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o600)
}
