package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Filesystem is the collaborator the Executor uses for working-directory
// lifecycle. Injected so the core never shells out to `cp -r` (design
// note §9: "the core should not depend on cp -r; it should either
// delegate to the filesystem layer as an injected collaborator, or use
// direct directory-tree operations") and so tests can swap in an
// in-memory fake.
type Filesystem interface {
	MkdirTemp(base string) (string, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	ListFiles(dir string, exclude string) ([]string, error)
	RemoveAll(dir string) error
}

// osFilesystem is the default Filesystem backed by direct os package
// calls — no subprocesses, per the design note above.
type osFilesystem struct {
	root string
}

// NewOSFilesystem returns a Filesystem rooted at root (e.g. "/tmp/sandrun-jobs").
func NewOSFilesystem(root string) Filesystem {
	return &osFilesystem{root: root}
}

func (f *osFilesystem) MkdirTemp(base string) (string, error) {
	dir := filepath.Join(f.root, base+"-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating job working directory: %w", err)
	}
	return dir, nil
}

func (f *osFilesystem) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

// ListFiles returns every regular file directly under dir except
// exclude (the job's code file), for the produced-output-files scan
// (spec §4.1 step 6: "collect produced files by scanning the working
// directory and excluding the code file").
func (f *osFilesystem) ListFiles(dir string, exclude string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning working directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == filepath.Base(exclude) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

func (f *osFilesystem) RemoveAll(dir string) error {
	return os.RemoveAll(dir)
}
