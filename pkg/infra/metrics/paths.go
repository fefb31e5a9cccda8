package metrics

import (
	"os"
	"path/filepath"
)

func existingAncestor(path string) (string, error) {
	if path == "" {
		return os.Getwd()
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p, nil
		}
		p = parent
	}
}
