// Package registry tracks known leases in <home>/index.json and each lease's
// meta/lease.json. The index is a convenience cache: it is rewritten
// atomically on every mutation and can always be rebuilt by scanning runs/.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/izavyalov-dev/leaseq/config"
	"github.com/izavyalov-dev/leaseq/mailbox"
	"github.com/izavyalov-dev/leaseq/protocol"
)

// ErrUnknownLease reports an id absent from both the index and runs/.
var ErrUnknownLease = errors.New("unknown lease")

// Entry is the per-lease index record.
type Entry struct {
	CreatedAt  int64  `json:"created_at"`
	Name       string `json:"name,omitempty"`
	LastUsedAt int64  `json:"last_used_at,omitempty"`
}

// Index is the content of index.json.
type Index struct {
	Leases       map[string]Entry `json:"leases"`
	DefaultLease string           `json:"default_lease,omitempty"`
}

// Registry persists the lease index under one home root.
type Registry struct {
	home string
}

func New(home string) *Registry { return &Registry{home: home} }

// Open uses the configured home directory.
func Open() *Registry { return New(config.HomeDir()) }

func (r *Registry) indexPath() string { return filepath.Join(r.home, "index.json") }
func (r *Registry) runsDir() string   { return filepath.Join(r.home, "runs") }

func (r *Registry) metaPath(leaseID string) string {
	return filepath.Join(r.runsDir(), leaseID, "meta", "lease.json")
}

// load reads the index, falling back to a rebuild when the file is absent or
// unparsable.
func (r *Registry) load() (*Index, error) {
	data, err := os.ReadFile(r.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return r.Rebuild()
		}
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return r.Rebuild()
	}
	if idx.Leases == nil {
		idx.Leases = make(map[string]Entry)
	}
	return &idx, nil
}

func (r *Registry) save(idx *Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return mailbox.AtomicPublish(r.indexPath(), data)
}

// Rebuild reconstructs the index by scanning runs/*/meta/lease.json.
func (r *Registry) Rebuild() (*Index, error) {
	idx := &Index{Leases: make(map[string]Entry)}
	entries, err := os.ReadDir(r.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(r.metaPath(e.Name()))
		if err != nil {
			continue
		}
		meta, err := protocol.DecodeLeaseMeta(data)
		if err != nil {
			continue
		}
		idx.Leases[meta.LeaseID] = Entry{CreatedAt: meta.CreatedAt, Name: meta.Name}
	}
	return idx, nil
}

// Register records a lease in the index and publishes its meta record.
func (r *Registry) Register(meta *protocol.LeaseMeta) error {
	if meta.LeaseID == "" {
		return fmt.Errorf("lease id is required")
	}
	if meta.CreatedAt == 0 {
		meta.CreatedAt = time.Now().Unix()
	}
	data, err := protocol.Encode(meta)
	if err != nil {
		return err
	}
	if err := mailbox.AtomicPublish(r.metaPath(meta.LeaseID), data); err != nil {
		return err
	}
	idx, err := r.load()
	if err != nil {
		return err
	}
	idx.Leases[meta.LeaseID] = Entry{CreatedAt: meta.CreatedAt, Name: meta.Name, LastUsedAt: time.Now().Unix()}
	return r.save(idx)
}

// SetDefault marks a known lease as the default.
func (r *Registry) SetDefault(leaseID string) error {
	idx, err := r.load()
	if err != nil {
		return err
	}
	if _, ok := idx.Leases[leaseID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLease, leaseID)
	}
	idx.DefaultLease = leaseID
	return r.save(idx)
}

// Touch bumps a lease's last-used timestamp.
func (r *Registry) Touch(leaseID string) error {
	idx, err := r.load()
	if err != nil {
		return err
	}
	e, ok := idx.Leases[leaseID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLease, leaseID)
	}
	e.LastUsedAt = time.Now().Unix()
	idx.Leases[leaseID] = e
	return r.save(idx)
}

// List returns the index contents.
func (r *Registry) List() (*Index, error) {
	return r.load()
}

// Meta reads a lease's meta record.
func (r *Registry) Meta(leaseID string) (*protocol.LeaseMeta, error) {
	data, err := os.ReadFile(r.metaPath(leaseID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLease, leaseID)
		}
		return nil, err
	}
	return protocol.DecodeLeaseMeta(data)
}

// ResolveDefault picks the lease submissions go to when none is named: the
// explicit default if set, else this host's local lease (auto-materialized on
// first use), else the most recently used lease in the index.
func (r *Registry) ResolveDefault() (string, error) {
	idx, err := r.load()
	if err != nil {
		return "", err
	}
	if idx.DefaultLease != "" {
		if _, ok := idx.Leases[idx.DefaultLease]; ok {
			return idx.DefaultLease, nil
		}
	}
	local := config.LocalLeaseID()
	if _, ok := idx.Leases[local]; ok {
		return local, nil
	}
	if err := r.EnsureLocal(); err == nil {
		return local, nil
	}
	var best string
	var bestAt int64 = -1
	for id, e := range idx.Leases {
		at := e.LastUsedAt
		if at == 0 {
			at = e.CreatedAt
		}
		if at > bestAt {
			best, bestAt = id, at
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: no leases registered", ErrUnknownLease)
	}
	return best, nil
}

// EnsureLocal registers this host's local lease if it is not yet known.
func (r *Registry) EnsureLocal() error {
	local := config.LocalLeaseID()
	if _, err := r.Meta(local); err == nil {
		return nil
	}
	return r.Register(&protocol.LeaseMeta{
		LeaseID:   local,
		LeaseType: protocol.LeaseTypeLocal,
		CreatedAt: time.Now().Unix(),
		Mode:      protocol.ModeExclusivePerNode,
	})
}

// Forget removes a lease from the index and deletes its meta record. The
// mailbox tree itself is left for manual cleanup.
func (r *Registry) Forget(leaseID string) error {
	idx, err := r.load()
	if err != nil {
		return err
	}
	delete(idx.Leases, leaseID)
	if idx.DefaultLease == leaseID {
		idx.DefaultLease = ""
	}
	if err := r.save(idx); err != nil {
		return err
	}
	return mailbox.RemoveIfExists(r.metaPath(leaseID))
}
