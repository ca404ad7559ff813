// Package dirstore keeps one directory per entity and replaces the files in
// it atomically, so a crash mid-write leaves the previous version intact.
package dirstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidID is returned for entity ids that would escape the base dir.
var ErrInvalidID = errors.New("invalid entity id")

// DirStore keeps one subdirectory per entity under a base directory.
// Writers of the same entity are serialized; different entities proceed
// independently.
type DirStore struct {
	baseDir    string
	entityName string // for error messages: "session"

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDirStore creates a DirStore rooted at baseDir.
func NewDirStore(baseDir, entityName string) *DirStore {
	return &DirStore{
		baseDir:    baseDir,
		entityName: entityName,
		locks:      make(map[string]*sync.Mutex),
	}
}

// Lock takes the entity's lock and returns its release.
func (ds *DirStore) Lock(id string) (unlock func()) {
	ds.mu.Lock()
	l, ok := ds.locks[id]
	if !ok {
		l = &sync.Mutex{}
		ds.locks[id] = l
	}
	ds.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Dir returns the directory of an entity.
func (ds *DirStore) Dir(id string) string {
	return filepath.Join(ds.baseDir, id)
}

// FilePath returns the path of a named file within an entity's directory.
func (ds *DirStore) FilePath(id, name string) string {
	return filepath.Join(ds.baseDir, id, name)
}

func (ds *DirStore) checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %s %q", ErrInvalidID, ds.entityName, id)
	}
	return nil
}

// RemoveDir deletes an entity and everything in it. A missing entity is
// not an error.
func (ds *DirStore) RemoveDir(id string) error {
	if err := ds.checkID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(ds.Dir(id)); err != nil {
		return fmt.Errorf("remove %s %s: %w", ds.entityName, id, err)
	}
	return nil
}

// ListDirs returns the ids of all entities. A missing base dir yields none.
func (ds *DirStore) ListDirs() ([]string, error) {
	entries, err := os.ReadDir(ds.baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %ss: %w", ds.entityName, err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// WriteJSON replaces filename in the entity's directory with v encoded as
// indented JSON, creating the directory when needed.
func (ds *DirStore) WriteJSON(id, filename string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filename, err)
	}
	return ds.WriteFileAtomic(id, filename, data)
}

// ReadJSON decodes filename from the entity's directory into out. A missing
// file yields an error wrapping fs.ErrNotExist.
func (ds *DirStore) ReadJSON(id, filename string, out any) error {
	if err := ds.checkID(id); err != nil {
		return err
	}
	data, err := os.ReadFile(ds.FilePath(id, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", ds.entityName, id, fs.ErrNotExist)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", id, filename, err)
	}
	return nil
}

// WriteFileAtomic writes content to a temp file in the same directory,
// syncs it and renames it over filename.
func (ds *DirStore) WriteFileAtomic(id, filename string, content []byte) error {
	if err := ds.checkID(id); err != nil {
		return err
	}
	dir := ds.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", ds.entityName, err)
	}

	tmp, err := os.CreateTemp(dir, filename+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", filename, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", filename, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", filename, err)
	}
	if err := os.Rename(tmpPath, ds.FilePath(id, filename)); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filename, err)
	}
	return nil
}
