package dw4core

import (
	"io"
	"os"
)

// FileStore is the spec's local sector-image backing store (§4.C, §6):
// a raw concatenation of 256-byte sectors at offset = lsn*256, with no
// header or metadata. Short reads are zero-padded by the caller.
type FileStore struct {
	f *os.File
}

// OpenFileStore opens path for read/write, creating it if absent. On
// failure it returns a nil *FileStore and the error; its callers
// (Dispatcher.MountDrive, Server's config load) treat that as a failed
// mount and bind no drive.
func OpenFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileStore{f: f}, nil
}

func (s *FileStore) ReadSector(lsn uint32) (data [SectorSize]byte, ok bool, err error) {
	n, err := s.f.ReadAt(data[:], int64(lsn)*SectorSize)
	if err != nil && err != io.EOF {
		return data, false, err
	}
	if n == 0 {
		return data, false, nil
	}
	// Partial reads (n < SectorSize) are already zero-padded since data
	// is a fixed-size array read into in place.
	return data, true, nil
}

func (s *FileStore) WriteSector(lsn uint32, data [SectorSize]byte) error {
	_, err := s.f.WriteAt(data[:], int64(lsn)*SectorSize)
	return err
}

func (s *FileStore) Sync() error { return s.f.Sync() }
func (s *FileStore) Close() error { return s.f.Close() }
