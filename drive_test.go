package dw4core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory SectorStore fake used across tests so they
// don't touch the filesystem.
type memStore struct {
	sectors   map[uint32][SectorSize]byte
	failWrite uint32 // WriteSector fails for this LSN, once
	synced    int
	closed    bool
}

func newMemStore() *memStore {
	return &memStore{sectors: make(map[uint32][SectorSize]byte), failWrite: ^uint32(0)}
}

func (m *memStore) ReadSector(lsn uint32) ([SectorSize]byte, bool, error) {
	v, ok := m.sectors[lsn]
	return v, ok, nil
}

func (m *memStore) WriteSector(lsn uint32, data [SectorSize]byte) error {
	if lsn == m.failWrite {
		m.failWrite = ^uint32(0)
		return errors.New("simulated write failure")
	}
	m.sectors[lsn] = data
	return nil
}

func (m *memStore) Sync() error  { m.synced++; return nil }
func (m *memStore) Close() error { m.closed = true; return nil }

func sectorOf(b byte) [SectorSize]byte {
	var s [SectorSize]byte
	for i := range s {
		s[i] = b
	}
	return s
}

func TestVirtualDrive_ReadWrite(t *testing.T) {
	t.Run("ReadMissingSectorZeroPads", func(t *testing.T) {
		d := OpenDrive(newMemStore(), "disk0.dsk", nil)
		data, err := d.Read(5)
		require.NoError(t, err)
		assert.Equal(t, [SectorSize]byte{}, data)
	})

	t.Run("WriteThenReadSeesDirtyValue", func(t *testing.T) {
		d := OpenDrive(newMemStore(), "disk0.dsk", nil)
		payload := sectorOf(0x42)
		require.NoError(t, d.Write(10, payload[:]))

		got, err := d.Read(10)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("RejectsOversizedLSN", func(t *testing.T) {
		d := OpenDrive(newMemStore(), "disk0.dsk", nil)
		payload := sectorOf(0x01)
		err := d.Write(MaxLSN+1, payload[:])
		assert.ErrorIs(t, err, ErrBadLSN)
	})

	t.Run("RejectsWrongLength", func(t *testing.T) {
		d := OpenDrive(newMemStore(), "disk0.dsk", nil)
		err := d.Write(0, []byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrBadSectorLen)
	})

	t.Run("NilStoreFailsReadAndWrite", func(t *testing.T) {
		d := OpenDrive(nil, "disk0.dsk", nil)
		_, err := d.Read(0)
		assert.ErrorIs(t, err, ErrNoBackend)

		payload := sectorOf(0x01)
		assert.ErrorIs(t, d.Write(0, payload[:]), ErrNoBackend)
	})
}

func TestVirtualDrive_ReadCacheEviction(t *testing.T) {
	store := newMemStore()
	for lsn := uint32(0); lsn < ReadCacheSize+2; lsn++ {
		store.sectors[lsn] = sectorOf(byte(lsn))
	}
	d := OpenDrive(store, "disk0.dsk", nil)

	// Touch every sector via the backing store, filling the read cache
	// past its bound and evicting the oldest (LSN 0 and 1).
	for lsn := uint32(0); lsn < ReadCacheSize+2; lsn++ {
		_, err := d.Read(lsn)
		require.NoError(t, err)
	}
	assert.Equal(t, ReadCacheSize, d.read.len())
	_, stillCached := d.read.get(0)
	assert.False(t, stillCached, "oldest entry should have been evicted")
	_, recentlyCached := d.read.get(ReadCacheSize + 1)
	assert.True(t, recentlyCached)
}

func TestVirtualDrive_Flush(t *testing.T) {
	t.Run("PersistsDirtySectorsInOrder", func(t *testing.T) {
		store := newMemStore()
		d := OpenDrive(store, "disk0.dsk", nil)
		a, b := sectorOf(0xAA), sectorOf(0xBB)
		require.NoError(t, d.Write(1, a[:]))
		require.NoError(t, d.Write(2, b[:]))

		require.NoError(t, d.Flush())
		assert.Equal(t, a, store.sectors[1])
		assert.Equal(t, b, store.sectors[2])
		assert.Equal(t, 1, store.synced)
		assert.Equal(t, 0, d.dirty.len())
	})

	t.Run("PartialFailureLeavesRemainderDirty", func(t *testing.T) {
		store := newMemStore()
		store.failWrite = 2
		d := OpenDrive(store, "disk0.dsk", nil)
		a, b, c := sectorOf(0x01), sectorOf(0x02), sectorOf(0x03)
		require.NoError(t, d.Write(1, a[:]))
		require.NoError(t, d.Write(2, b[:]))
		require.NoError(t, d.Write(3, c[:]))

		err := d.Flush()
		assert.ErrorIs(t, err, ErrPartialFlush)
		// LSN 1 succeeded and was cleared; 2 and 3 remain dirty.
		assert.Equal(t, 2, d.dirty.len())
		_, stillDirty := d.dirty.get(2)
		assert.True(t, stillDirty)
	})

	t.Run("NoopOnCleanDrive", func(t *testing.T) {
		store := newMemStore()
		d := OpenDrive(store, "disk0.dsk", nil)
		require.NoError(t, d.Flush())
		assert.Equal(t, 0, store.synced)
	})
}

func TestVirtualDrive_Snapshot(t *testing.T) {
	d := OpenDrive(newMemStore(), "/var/dw4/disk0.dsk", nil)
	payload := sectorOf(0x01)
	require.NoError(t, d.Write(1, payload[:]))
	_, _ = d.Read(1)

	snap := d.Snapshot()
	assert.Equal(t, "disk0.dsk", snap.Filename)
	assert.Equal(t, 1, snap.DirtyCount)
	assert.Equal(t, 1, snap.WriteCount)
	assert.Equal(t, 1, snap.ReadHits)
}

func TestVirtualDrive_Close(t *testing.T) {
	store := newMemStore()
	d := OpenDrive(store, "disk0.dsk", nil)
	payload := sectorOf(0x01)
	require.NoError(t, d.Write(1, payload[:]))

	require.NoError(t, d.Close())
	assert.True(t, store.closed)
	assert.Equal(t, payload, store.sectors[1])
}
