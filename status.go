package dw4core

import (
	"fmt"
	"sync"
	"time"
)

// LogRingSize bounds the in-memory log ring (§3): append drops oldest.
const LogRingSize = 20

// SnoopBufferSize bounds the terminal snoop buffer (§3): last N bytes of
// traffic for the configured monitor channel.
const SnoopBufferSize = 512

// ChannelStats is the per-channel {tx, rx} counter pair (§3).
type ChannelStats struct {
	Tx int64
	Rx int64
}

// Stats holds the dispatcher's most-recently-seen request fields (§3),
// distinct from the cumulative Metrics counters (component N).
type Stats struct {
	LastOpcode byte
	LastDrive  int
	LastStat   byte
	Channels   [NumChannels]ChannelStats
}

// StatusSurface is the read-only observation point consumed by the
// management plane (component H, §4.H). All mutation from outside the
// dispatcher is funneled through SetMonitorChannel; every other field is
// written only by the dispatcher goroutine and by background reader
// tasks appending log/snoop entries, all behind mu.
type StatusSurface struct {
	mu sync.Mutex

	stats   Stats
	logRing []string
	snoop   []byte

	monitorChannel int // -1 disables snooping

	mirror LogMirror // optional, nil when no log_mirror configured
}

// NewStatusSurface builds a StatusSurface with snooping disabled.
func NewStatusSurface() *StatusSurface {
	return &StatusSurface{monitorChannel: -1}
}

// SetLogMirror installs the optional durable log mirror (component M).
func (s *StatusSurface) SetLogMirror(m LogMirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = m
}

// Log appends a formatted entry to the log ring, dropping the oldest
// entry once the ring exceeds LogRingSize, and mirrors it durably if a
// LogMirror is configured. Mirror failures are swallowed here: component
// M records its own failures for LastError (reported as MirrorErr in the
// snapshot) rather than logging back into the ring.
func (s *StatusSurface) Log(format string, args ...any) {
	entry := fmt.Sprintf(format, args...)

	s.mu.Lock()
	s.logRing = append(s.logRing, entry)
	if len(s.logRing) > LogRingSize {
		s.logRing = s.logRing[len(s.logRing)-LogRingSize:]
	}
	mirror := s.mirror
	s.mu.Unlock()

	if mirror != nil {
		mirror.Append(entry)
	}
}

// SnoopByte records b into the terminal snoop buffer iff ch equals the
// configured monitor channel (§3, §4.G SERREAD reply rule).
func (s *StatusSurface) SnoopByte(ch int, b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch != s.monitorChannel {
		return
	}
	s.snoop = append(s.snoop, b)
	if len(s.snoop) > SnoopBufferSize {
		s.snoop = s.snoop[len(s.snoop)-SnoopBufferSize:]
	}
}

// SetMonitorChannel sets the monitor channel (-1 disables) and clears
// the terminal snoop buffer, per §6's single status-surface write
// operation.
func (s *StatusSurface) SetMonitorChannel(ch int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitorChannel = ch
	s.snoop = s.snoop[:0]
}

// RecordOpcode updates the last_opcode/last_drive stats fields.
func (s *StatusSurface) RecordOpcode(opcode byte, drive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LastOpcode = opcode
	s.stats.LastDrive = drive
}

// RecordStat updates last_stat (GETSTAT/SETSTAT, §4.G).
func (s *StatusSurface) RecordStat(code byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LastStat = code
}

// RecordChannelTx/RecordChannelRx update per-channel counters (§3).
func (s *StatusSurface) RecordChannelTx(ch int) {
	if ch < 0 || ch >= NumChannels {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Channels[ch].Tx++
}

func (s *StatusSurface) RecordChannelRx(ch int) {
	if ch < 0 || ch >= NumChannels {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Channels[ch].Rx++
}

// StatusSnapshot is the read-only snapshot returned by Snapshot (§4.H).
type StatusSnapshot struct {
	Time        time.Time
	Stats       Stats
	LogRing     []string
	Snoop       []byte
	MonitorChan int
	Drives      [4]DriveSnapshot
	Metrics     MetricsSnapshot
	MirrorErr   error
}

// MetricsSnapshot is a point-in-time copy of the Metrics counters
// (component N).
type MetricsSnapshot struct {
	Opcodes      int64
	SectorReads  int64
	SectorWrites int64
	FlushErrors  int64
	ReaderErrors int64
	ChannelTx    int64
	ChannelRx    int64
}

// Snapshot returns the current server time, stats, log ring, snoop
// buffer, monitor channel, and per-drive sub-snapshots (§4.H).
func (s *StatusSurface) Snapshot(tp TimeProvider, drives [4]*VirtualDrive, m Metrics) StatusSnapshot {
	y, mo, d, h, mi, se := timeOrFallback(tp)

	s.mu.Lock()
	snap := StatusSnapshot{
		Time:        time.Date(y, time.Month(mo), d, h, mi, se, 0, time.UTC),
		Stats:       s.stats,
		LogRing:     append([]string(nil), s.logRing...),
		Snoop:       append([]byte(nil), s.snoop...),
		MonitorChan: s.monitorChannel,
	}
	if s.mirror != nil {
		snap.MirrorErr = s.mirror.LastError()
	}
	s.mu.Unlock()

	for i, dr := range drives {
		if dr != nil {
			snap.Drives[i] = dr.Snapshot()
		}
	}
	if m != nil {
		snap.Metrics = MetricsSnapshot{
			Opcodes:      m.GetOpcodeCount(),
			SectorReads:  m.GetSectorReadCount(),
			SectorWrites: m.GetSectorWriteCount(),
			FlushErrors:  m.GetFlushErrorCount(),
			ReaderErrors: m.GetReaderErrorCount(),
			ChannelTx:    m.GetChannelTxBytes(),
			ChannelRx:    m.GetChannelRxBytes(),
		}
	}
	return snap
}
