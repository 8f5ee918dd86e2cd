// Package statefile persists the proxy's process identity and the
// live backend-status array to disk, using the same JSON
// marshal/unmarshal idiom a store layer would use against etcd, but
// adapted from "write to an etcd key" to "write to a local file", with
// rename-based atomicity closing the half-written-file race an
// etcd-backed store never had to worry about.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gpaulavicius/pgpool2/internal/config"
)

// Store is the persistent-state surface the core writes to. The
// file-backed implementation below is the default and authoritative
// one; EtcdMirror is an additive, optional mirror behind the same interface.
type Store interface {
	WritePID(pid int) error
	WriteStatus(s StatusSnapshot) error
	ReadStatus() (StatusSnapshot, error)
	Close() error
}

// StatusSnapshot is the JSON shape written to pgpool_status: one
// entry per configured backend.
type StatusSnapshot struct {
	Generation uint64 `json:"generation"`
	UpdatedAt time.Time `json:"updated_at"`
	Backends []BackendStatusEntry `json:"backends"`
}

type BackendStatusEntry struct {
	NodeID int `json:"node_id"`
	Status config.BackendStatus `json:"status"`
	Role config.BackendRole `json:"role"`
	Weight float64 `json:"weight"`
}

// FileStore is the default Store: a PID file plus a status file,
// both written via temp-file-then-rename for atomicity.
type FileStore struct {
	pidPath string
	statusPath string
}

func NewFileStore(pidPath, statusPath string) *FileStore {
	return &FileStore{pidPath: pidPath, statusPath: statusPath}
}

func (f *FileStore) WritePID(pid int) error {
	if f.pidPath == "" {
		return nil
	}
	return atomicWrite(f.pidPath, []byte(strconv.Itoa(pid)+"\n"))
}

func (f *FileStore) WriteStatus(s StatusSnapshot) error {
	if f.statusPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(s, "", " ")
	if err != nil {
		return err
	}
	return atomicWrite(f.statusPath, data)
}

func (f *FileStore) ReadStatus() (StatusSnapshot, error) {
	var s StatusSnapshot
	data, err := os.ReadFile(f.statusPath)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, err
	}
	return s, nil
}

func (f *FileStore) Close() error {
	if f.pidPath == "" {
		return nil
	}
	return os.Remove(f.pidPath)
}

// atomicWrite writes data to path via a sibling temp file followed by
// a rename, so a concurrent reader never observes a partial write
// even under frequent status transitions.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statefile: rename %s -> %s: %w", tmpPath, path, err)
	}
	return nil
}

// SnapshotFromRegistry builds a StatusSnapshot from a live registry
// snapshot — kept here rather than in internal/registry so that
// package stays free of the persistence format it's being serialized
// into.
func SnapshotFromRegistry(generation uint64, backends []config.BackendDescriptor, statuses []config.BackendStatus, roles []config.BackendRole) StatusSnapshot {
	entries := make([]BackendStatusEntry, len(backends))
	for i, b := range backends {
		entries[i] = BackendStatusEntry{NodeID: b.NodeID, Status: statuses[i], Role: roles[i], Weight: b.Weight}
	}
	return StatusSnapshot{Generation: generation, UpdatedAt: time.Now(), Backends: entries}
}
