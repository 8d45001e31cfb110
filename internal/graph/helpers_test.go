package graph

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/cubed/internal/store"
)

// removeIndexFiles deletes the index database and its WAL companions.
func removeIndexFiles(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), store.IndexFile) {
			if err := os.Remove(filepath.Join(root, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
