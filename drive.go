package dw4core

import (
	"path/filepath"
	"sync"
)

// ReadCacheSize is the bound on a drive's read cache (§3).
const ReadCacheSize = 8

// SectorStore is the backing-store abstraction a Virtual Drive reads and
// writes through (component K, SPEC_FULL §4.K). FileStore is the spec's
// local sector-image file; BlobStore is the optional Azure Blob backend.
// Neither the dirty map nor the read cache knows which implementation is
// in play.
type SectorStore interface {
	// ReadSector returns the sector at lsn. ok is false and data is the
	// zero value when the store has never held that sector (e.g. a short
	// local file); callers zero-pad rather than treating that as an error.
	ReadSector(lsn uint32) (data [SectorSize]byte, ok bool, err error)
	WriteSector(lsn uint32, data [SectorSize]byte) error
	Sync() error
	Close() error
}

// orderedSectorMap pairs a map keyed by LSN with a slice tracking
// insertion order, so both the dirty map and the read cache can evict or
// drain oldest-first without a full sort (SPEC_FULL §9, "ambient caches
// with insertion-order eviction").
type orderedSectorMap struct {
	data  map[uint32][SectorSize]byte
	order []uint32
}

func newOrderedSectorMap() *orderedSectorMap {
	return &orderedSectorMap{data: make(map[uint32][SectorSize]byte)}
}

func (m *orderedSectorMap) get(lsn uint32) ([SectorSize]byte, bool) {
	v, ok := m.data[lsn]
	return v, ok
}

// set inserts or overwrites lsn without disturbing its existing position
// in insertion order (a rewrite of an already-dirty sector does not move
// it to the back of the eviction queue; only the read cache evicts).
func (m *orderedSectorMap) set(lsn uint32, v [SectorSize]byte) {
	if _, exists := m.data[lsn]; !exists {
		m.order = append(m.order, lsn)
	}
	m.data[lsn] = v
}

// insertEvicting inserts lsn, evicting the oldest entry first if the map
// is at cap and lsn is new. Used by the read cache (§3, bounded at 8).
func (m *orderedSectorMap) insertEvicting(lsn uint32, v [SectorSize]byte, cap int) {
	if _, exists := m.data[lsn]; exists {
		m.data[lsn] = v
		return
	}
	if len(m.order) >= cap {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.data, oldest)
	}
	m.order = append(m.order, lsn)
	m.data[lsn] = v
}

func (m *orderedSectorMap) delete(lsn uint32) {
	if _, exists := m.data[lsn]; !exists {
		return
	}
	delete(m.data, lsn)
	for i, v := range m.order {
		if v == lsn {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *orderedSectorMap) len() int { return len(m.order) }

// VirtualDrive is a sector-addressed file with write-back and read
// caches (component C). Sector size is fixed at 256 bytes; LSNs are
// 24-bit. All exported methods are safe for concurrent use; the
// dispatcher calls them from its single goroutine but the flush loop
// calls Flush from its own goroutine, concurrently with the
// dispatcher's reads and writes.
type VirtualDrive struct {
	mu    sync.Mutex
	store SectorStore
	path  string // basename reported by the status surface

	dirty *orderedSectorMap
	read  *orderedSectorMap

	writeCount int
	readHits   int
	readMisses int

	ind ActivityIndicator
}

// OpenDrive opens store as a new Virtual Drive. A nil store is permitted:
// the drive is created in a "file=none" state where reads return !ok and
// writes fail with ErrNoBackend, matching §4.C's failure mode for a bad
// open().
func OpenDrive(store SectorStore, path string, ind ActivityIndicator) *VirtualDrive {
	if ind == nil {
		ind = NullIndicator{}
	}
	return &VirtualDrive{
		store: store,
		path:  path,
		dirty: newOrderedSectorMap(),
		read:  newOrderedSectorMap(),
		ind:   ind,
	}
}

// Basename returns the filename component reported in the status
// snapshot (§4.H).
func (d *VirtualDrive) Basename() string {
	if d.path == "" {
		return ""
	}
	return filepath.Base(d.path)
}

// Read resolves a sector via dirty map, then read cache, then the
// backing store, zero-padding a short/absent store result (§4.C).
func (d *VirtualDrive) Read(lsn uint32) (data [SectorSize]byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.dirty.get(lsn); ok {
		d.readHits++
		return v, nil
	}
	if v, ok := d.read.get(lsn); ok {
		d.readHits++
		return v, nil
	}

	d.readMisses++
	if d.store == nil {
		return data, ErrNoBackend
	}

	sector, ok, err := d.store.ReadSector(lsn)
	if err != nil {
		return data, err
	}
	pulse(d.ind)
	if !ok {
		// Backing store has never held this sector (short/new file);
		// the zero value already stands in for the zero-padded sector.
		sector = [SectorSize]byte{}
	}
	d.read.insertEvicting(lsn, sector, ReadCacheSize)
	return sector, nil
}

// Write rejects an out-of-range LSN or wrong-length payload without
// mutating any cache, records the sector in the dirty map, mirrors it
// into the read cache so a subsequent Read sees it immediately, and
// performs no I/O (§4.C).
func (d *VirtualDrive) Write(lsn uint32, data []byte) error {
	if lsn > MaxLSN {
		return ErrBadLSN
	}
	if len(data) != SectorSize {
		return ErrBadSectorLen
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.store == nil {
		return ErrNoBackend
	}

	var buf [SectorSize]byte
	copy(buf[:], data)

	d.dirty.set(lsn, buf)
	d.read.insertEvicting(lsn, buf, ReadCacheSize)
	d.writeCount++
	pulse(d.ind)
	return nil
}

// Flush persists every dirty sector in insertion order, clearing the
// dirty map only for sectors that were successfully written (§4.C). A
// failure partway through leaves the unwritten remainder dirty for the
// next cycle and returns ErrPartialFlush.
func (d *VirtualDrive) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.store == nil || d.dirty.len() == 0 {
		return nil
	}
	d.ind.On()
	defer d.ind.Off()

	order := append([]uint32(nil), d.dirty.order...)
	var firstErr error
	for _, lsn := range order {
		buf := d.dirty.data[lsn]
		if err := d.store.WriteSector(lsn, buf); err != nil {
			firstErr = err
			break
		}
		d.dirty.delete(lsn)
	}
	if firstErr != nil {
		return ErrPartialFlush
	}
	if err := d.store.Sync(); err != nil {
		return err
	}
	return nil
}

// Close performs a best-effort flush followed by closing the backing
// store; either failing is tolerated (§4.C).
func (d *VirtualDrive) Close() error {
	_ = d.Flush()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil {
		return nil
	}
	return d.store.Close()
}

// Snapshot returns the per-drive status fields exposed by the status
// surface (§4.H).
func (d *VirtualDrive) Snapshot() DriveSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DriveSnapshot{
		Filename:   d.Basename(),
		DirtyCount: d.dirty.len(),
		ReadHits:   d.readHits,
		ReadMisses: d.readMisses,
		WriteCount: d.writeCount,
	}
}

// DriveSnapshot is the read-only per-drive sub-snapshot described in §4.H.
type DriveSnapshot struct {
	Filename   string
	DirtyCount int
	ReadHits   int
	ReadMisses int
	WriteCount int
}
