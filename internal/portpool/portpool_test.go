package portpool_test

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pkglat/lightd/internal/apierr"
	"github.com/pkglat/lightd/internal/iptables"
	"github.com/pkglat/lightd/internal/models"
	"github.com/pkglat/lightd/internal/portpool"
	"github.com/pkglat/lightd/internal/store"
)

func newTestPool(t *testing.T) (*portpool.Pool, *iptables.Fake) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backing, err := store.Open(filepath.Join(t.TempDir(), "pool.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { backing.Close() })

	fake := iptables.NewFake()
	return portpool.New(backing, fake, logger), fake
}

func TestAddThenReserveThenRelease(t *testing.T) {
	pool, fake := newTestPool(t)

	entry, err := pool.Add("10.0.0.5", 25565, models.ProtoTCP)
	require.NoError(t, err)
	require.False(t, entry.InUse)

	managed, err := fake.ListManagedPorts()
	require.NoError(t, err)
	require.Len(t, managed, 1)

	reserved, err := pool.Reserve("10.0.0.5", 25565, models.ProtoTCP)
	require.NoError(t, err)
	require.True(t, reserved.InUse)

	_, err = pool.Reserve("10.0.0.5", 25565, models.ProtoTCP)
	require.ErrorIs(t, err, apierr.ErrPortInUse)

	require.NoError(t, pool.Release("10.0.0.5", 25565, models.ProtoTCP))

	entries, err := pool.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].InUse)
}

func TestAddDuplicateRejected(t *testing.T) {
	pool, _ := newTestPool(t)

	_, err := pool.Add("10.0.0.5", 1234, models.ProtoUDP)
	require.NoError(t, err)

	_, err = pool.Add("10.0.0.5", 1234, models.ProtoUDP)
	require.Error(t, err)
}

func TestPickRandomFreeExcludesInUse(t *testing.T) {
	pool, _ := newTestPool(t)

	_, err := pool.Add("10.0.0.5", 1000, models.ProtoTCP)
	require.NoError(t, err)
	_, err = pool.Add("10.0.0.5", 1001, models.ProtoTCP)
	require.NoError(t, err)

	_, err = pool.Reserve("10.0.0.5", 1000, models.ProtoTCP)
	require.NoError(t, err)

	picked, err := pool.PickRandomFree(models.ProtoTCP)
	require.NoError(t, err)
	require.Equal(t, 1001, picked.Port)
	require.False(t, picked.InUse)
}

func TestPickRandomFreeEmptyPool(t *testing.T) {
	pool, _ := newTestPool(t)

	_, err := pool.PickRandomFree(models.ProtoTCP)
	require.Error(t, err)
}

func TestBulkDeleteSkipsInUse(t *testing.T) {
	pool, _ := newTestPool(t)

	_, err := pool.Add("10.0.0.5", 2000, models.ProtoTCP)
	require.NoError(t, err)
	_, err = pool.Add("10.0.0.5", 2001, models.ProtoTCP)
	require.NoError(t, err)
	_, err = pool.Reserve("10.0.0.5", 2001, models.ProtoTCP)
	require.NoError(t, err)

	result, err := pool.BulkDelete([]struct {
		IP       string
		Port     int
		Protocol models.Protocol
	}{
		{IP: "10.0.0.5", Port: 2000, Protocol: models.ProtoTCP},
		{IP: "10.0.0.5", Port: 2001, Protocol: models.ProtoTCP},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.Deleted)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, 2001, result.Conflicts[0].Port)
}

func TestReconcileIptablesRemovesOrphanedRule(t *testing.T) {
	pool, fake := newTestPool(t)

	_, err := pool.Add("10.0.0.5", 3000, models.ProtoTCP)
	require.NoError(t, err)

	// Simulate a rule left behind for a port no longer registered.
	require.NoError(t, fake.Add(3001, models.ProtoTCP))

	removed, err := pool.ReconcileIptables()
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	managed, err := fake.ListManagedPorts()
	require.NoError(t, err)
	require.Len(t, managed, 1)
	require.Equal(t, 3000, managed[0].Port)
}
