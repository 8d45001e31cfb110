// Package store owns the on-disk layout of a cube workspace: the
// directory tree, atomic node file I/O, and the single-writer
// advisory lock. Nodes are the source of truth; everything else
// (the index, the event log) is a derived or append-only artifact
// layered on top of this package.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/node"
)

// Layout names the fixed subdirectories and files under a workspace
// root.
const (
	ConfigFile    = "cube.json"
	NodesDir      = "nodes"
	ViewsDir      = "views"
	AgentsDir     = "agents"
	SchemasDir    = "schemas"
	EventLogFile  = "events.log"
	AgentStateDir = "agent-state"
	AgentsFile    = "agents.json"
	IndexFile     = "index.sqlite"
)

// Store manages the node files rooted at a workspace directory.
type Store struct {
	root string
}

// New builds a Store rooted at root without touching disk.
func New(root string) *Store {
	return &Store{root: filepath.Clean(root)}
}

// Root returns the workspace root directory.
func (s *Store) Root() string { return s.root }

// Init creates the directory tree idempotently. It does not write
// cube.json; cube.EnsureConfig does that, only when the file is absent.
func (s *Store) Init() error {
	dirs := []string{
		filepath.Join(s.root, NodesDir),
		filepath.Join(s.root, ViewsDir),
		filepath.Join(s.root, AgentsDir),
		filepath.Join(s.root, SchemasDir),
		filepath.Join(s.root, AgentStateDir),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return cubeerr.New(cubeerr.IO, "store.Init", err)
		}
	}
	return nil
}

// NodePath resolves the file path for a node id: nodes/<type>/<slug>-<hash>.md.
func (s *Store) NodePath(id string) (string, error) {
	typ, rest, ok := strings.Cut(id, "/")
	if !ok || typ == "" || rest == "" {
		return "", cubeerr.New(cubeerr.InvalidInput, "store.NodePath", fmt.Errorf("malformed id %q", id))
	}
	return filepath.Join(s.root, NodesDir, typ, rest+".md"), nil
}

// SaveNode encodes and atomically writes n to its resolved path,
// creating parent directories as needed, and returns n with FilePath set.
func (s *Store) SaveNode(n node.Node) (node.Node, error) {
	path, err := s.NodePath(n.ID)
	if err != nil {
		return node.Node{}, err
	}
	encoded, err := node.Encode(n)
	if err != nil {
		return node.Node{}, cubeerr.New(cubeerr.Malformed, "store.SaveNode", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return node.Node{}, cubeerr.New(cubeerr.IO, "store.SaveNode", err)
	}
	if err := writeFileAtomic(path, encoded); err != nil {
		return node.Node{}, cubeerr.New(cubeerr.IO, "store.SaveNode", err)
	}
	relPath, _ := filepath.Rel(s.root, path)
	n.FilePath = relPath
	return n, nil
}

// LoadNode reads and decodes the node file for id.
func (s *Store) LoadNode(id string) (node.Node, error) {
	path, err := s.NodePath(id)
	if err != nil {
		return node.Node{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return node.Node{}, cubeerr.New(cubeerr.NotFound, "store.LoadNode", err)
		}
		return node.Node{}, cubeerr.New(cubeerr.IO, "store.LoadNode", err)
	}
	relPath, _ := filepath.Rel(s.root, path)
	decoded, err := node.Decode(data, relPath)
	if err != nil {
		return node.Node{}, cubeerr.New(cubeerr.Malformed, "store.LoadNode", err)
	}
	return decoded, nil
}

// DeleteNode removes the node file for id, if present, returning
// whether a file was actually deleted.
func (s *Store) DeleteNode(id string) (bool, error) {
	path, err := s.NodePath(id)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, cubeerr.New(cubeerr.IO, "store.DeleteNode", err)
	}
	return true, nil
}

// ListResult reports the outcome of a directory scan: nodes that
// decoded cleanly, plus per-file decode failures that were skipped.
type ListResult struct {
	Nodes  []node.Node
	Errors map[string]error
}

// ListByType enumerates every node file under nodes/<type>/.
func (s *Store) ListByType(t node.Type) (ListResult, error) {
	dir := filepath.Join(s.root, NodesDir, string(t))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ListResult{Errors: map[string]error{}}, nil
		}
		return ListResult{}, cubeerr.New(cubeerr.IO, "store.ListByType", err)
	}
	result := ListResult{Errors: map[string]error{}}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			result.Errors[path] = err
			continue
		}
		relPath, _ := filepath.Rel(s.root, path)
		decoded, err := node.Decode(data, relPath)
		if err != nil {
			result.Errors[path] = err
			continue
		}
		result.Nodes = append(result.Nodes, decoded)
	}
	return result, nil
}

// ListAll enumerates node files across every known type directory.
func (s *Store) ListAll() (ListResult, error) {
	combined := ListResult{Errors: map[string]error{}}
	for _, t := range node.Types() {
		partial, err := s.ListByType(t)
		if err != nil {
			return ListResult{}, err
		}
		combined.Nodes = append(combined.Nodes, partial.Nodes...)
		for path, fileErr := range partial.Errors {
			combined.Errors[path] = fileErr
		}
	}
	return combined, nil
}

// writeFileAtomic writes to a temp file in the same directory and
// renames it into place, so a crash mid-write never leaves a
// half-written node file behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
