package dw4core

import "sync/atomic"

// Metrics is an interface for tracking dispatcher-wide counters. It is
// distinct from Stats (§3): Stats records the most recent request for the
// status snapshot, Metrics accumulates totals for the lifetime of the
// process. Handlers call Increment* and the management plane reads via Get*.
type Metrics interface {
	IncrementOpcodes()
	IncrementSectorReads(n int64)
	IncrementSectorWrites(n int64)
	IncrementFlushErrors()
	IncrementReaderErrors()
	IncrementChannelTx(n int64)
	IncrementChannelRx(n int64)

	GetOpcodeCount() int64
	GetSectorReadCount() int64
	GetSectorWriteCount() int64
	GetFlushErrorCount() int64
	GetReaderErrorCount() int64
	GetChannelTxBytes() int64
	GetChannelRxBytes() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	opcodes      int64
	sectorReads  int64
	sectorWrites int64
	flushErrors  int64
	readerErrors int64
	channelTx    int64
	channelRx    int64
}

// NewDefaultMetrics creates a zeroed DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementOpcodes()            { atomic.AddInt64(&m.opcodes, 1) }
func (m *DefaultMetrics) IncrementSectorReads(n int64)  { atomic.AddInt64(&m.sectorReads, n) }
func (m *DefaultMetrics) IncrementSectorWrites(n int64) { atomic.AddInt64(&m.sectorWrites, n) }
func (m *DefaultMetrics) IncrementFlushErrors()         { atomic.AddInt64(&m.flushErrors, 1) }
func (m *DefaultMetrics) IncrementReaderErrors()        { atomic.AddInt64(&m.readerErrors, 1) }
func (m *DefaultMetrics) IncrementChannelTx(n int64)    { atomic.AddInt64(&m.channelTx, n) }
func (m *DefaultMetrics) IncrementChannelRx(n int64)    { atomic.AddInt64(&m.channelRx, n) }

func (m *DefaultMetrics) GetOpcodeCount() int64      { return atomic.LoadInt64(&m.opcodes) }
func (m *DefaultMetrics) GetSectorReadCount() int64  { return atomic.LoadInt64(&m.sectorReads) }
func (m *DefaultMetrics) GetSectorWriteCount() int64 { return atomic.LoadInt64(&m.sectorWrites) }
func (m *DefaultMetrics) GetFlushErrorCount() int64  { return atomic.LoadInt64(&m.flushErrors) }
func (m *DefaultMetrics) GetReaderErrorCount() int64 { return atomic.LoadInt64(&m.readerErrors) }
func (m *DefaultMetrics) GetChannelTxBytes() int64   { return atomic.LoadInt64(&m.channelTx) }
func (m *DefaultMetrics) GetChannelRxBytes() int64   { return atomic.LoadInt64(&m.channelRx) }
