package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/mcpchat/examples"
)

// runInit writes a starter mcpchat.yaml and .env into dir. Existing
// files are never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	files := []struct {
		name    string
		content []byte
		mode    os.FileMode
	}{
		{"mcpchat.yaml", examples.ConfigYAML, 0o644},
		{".env", examples.EnvFile, 0o600},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		wrote, err := writeIfMissing(path, f.content, f.mode)
		if err != nil {
			return err
		}
		if wrote {
			fmt.Fprintf(w, "  ✓ %s\n", path)
		} else {
			fmt.Fprintf(w, "  - %s (exists, left alone)\n", path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Fill in the API keys in .env, then run: mcpchat path/to/server.py")
	return nil
}

func writeIfMissing(path string, content []byte, mode os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
