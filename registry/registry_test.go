package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/leaseq/config"
	"github.com/izavyalov-dev/leaseq/protocol"
)

func externalMeta(id, name string) *protocol.LeaseMeta {
	return &protocol.LeaseMeta{
		LeaseID:   id,
		LeaseType: protocol.LeaseTypeExternal,
		Name:      name,
		Mode:      protocol.ModeExclusivePerNode,
	}
}

func TestRegisterListForget(t *testing.T) {
	reg := New(t.TempDir())

	require.NoError(t, reg.Register(externalMeta("1001", "train")))
	require.NoError(t, reg.Register(externalMeta("1002", "")))

	idx, err := reg.List()
	require.NoError(t, err)
	require.Len(t, idx.Leases, 2)
	require.Equal(t, "train", idx.Leases["1001"].Name)

	meta, err := reg.Meta("1001")
	require.NoError(t, err)
	require.Equal(t, protocol.LeaseTypeExternal, meta.LeaseType)

	require.NoError(t, reg.Forget("1001"))
	idx, err = reg.List()
	require.NoError(t, err)
	require.Len(t, idx.Leases, 1)
	_, err = reg.Meta("1001")
	require.ErrorIs(t, err, ErrUnknownLease)
}

func TestSetDefaultRequiresKnownLease(t *testing.T) {
	reg := New(t.TempDir())
	require.ErrorIs(t, reg.SetDefault("nope"), ErrUnknownLease)

	require.NoError(t, reg.Register(externalMeta("2001", "")))
	require.NoError(t, reg.SetDefault("2001"))

	id, err := reg.ResolveDefault()
	require.NoError(t, err)
	require.Equal(t, "2001", id)
}

func TestResolveDefaultMaterializesLocalLease(t *testing.T) {
	reg := New(t.TempDir())

	id, err := reg.ResolveDefault()
	require.NoError(t, err)
	require.Equal(t, config.LocalLeaseID(), id)

	// The local lease is now on disk, not just implied.
	meta, err := reg.Meta(id)
	require.NoError(t, err)
	require.Equal(t, protocol.LeaseTypeLocal, meta.LeaseType)
}

func TestRebuildFromScanWhenIndexCorrupt(t *testing.T) {
	home := t.TempDir()
	reg := New(home)
	require.NoError(t, reg.Register(externalMeta("3001", "rebuildme")))

	require.NoError(t, os.WriteFile(filepath.Join(home, "index.json"), []byte("garbage{"), 0o644))

	idx, err := reg.List()
	require.NoError(t, err)
	require.Contains(t, idx.Leases, "3001")
}

func TestRebuildSkipsCorruptMeta(t *testing.T) {
	home := t.TempDir()
	reg := New(home)
	require.NoError(t, reg.Register(externalMeta("4001", "")))

	badDir := filepath.Join(home, "runs", "9999", "meta")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "lease.json"), []byte("nope"), 0o644))

	idx, err := reg.Rebuild()
	require.NoError(t, err)
	require.Contains(t, idx.Leases, "4001")
	require.NotContains(t, idx.Leases, "9999")
}

func TestTouchUpdatesMostRecentlyUsed(t *testing.T) {
	reg := New(t.TempDir())
	require.NoError(t, reg.Register(externalMeta("5001", "")))
	require.NoError(t, reg.Register(externalMeta("5002", "")))
	require.NoError(t, reg.Touch("5001"))

	idx, err := reg.List()
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx.Leases["5001"].LastUsedAt, idx.Leases["5002"].LastUsedAt)
}
