package platform

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// OSFilesystem is the production Filesystem backed by the real filesystem.
type OSFilesystem struct{}

func (OSFilesystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSFilesystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (OSFilesystem) WriteFile(path string, data []byte, perm uint32) error {
	return os.WriteFile(path, data, os.FileMode(perm))
}

func (OSFilesystem) MkdirAll(path string, perm uint32) error {
	return os.MkdirAll(path, os.FileMode(perm))
}

func (OSFilesystem) RemoveFile(path string) error {
	return os.Remove(path)
}

func (OSFilesystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (OSFilesystem) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// FakeFilesystem is an in-memory Filesystem for tests and replay.
type FakeFilesystem struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

func NewFakeFilesystem() *FakeFilesystem {
	return &FakeFilesystem{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
	}
}

func (f *FakeFilesystem) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; ok {
		return true
	}
	return f.dirs[path]
}

func (f *FakeFilesystem) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (f *FakeFilesystem) WriteFile(path string, data []byte, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(data))
	copy(out, data)
	f.files[path] = out
	f.dirs[filepath.Dir(path)] = true
	return nil
}

func (f *FakeFilesystem) MkdirAll(path string, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[path] = true
	return nil
}

func (f *FakeFilesystem) RemoveFile(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		return os.ErrNotExist
	}
	delete(f.files, path)
	return nil
}

func (f *FakeFilesystem) RemoveAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range f.files {
		if p == path || within(path, p) {
			delete(f.files, p)
		}
	}
	delete(f.dirs, path)
	return nil
}

func (f *FakeFilesystem) ReadDir(path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	for p := range f.files {
		if filepath.Dir(p) == path {
			seen[filepath.Base(p)] = true
		}
	}
	for d := range f.dirs {
		if filepath.Dir(d) == path && d != path {
			seen[filepath.Base(d)] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func within(parent, path string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && len(rel) > 0 && rel[0] != '.'
}
