package dw4core

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// Opcode values (§4.G). Named exactly as the wire catalog.
const (
	OpNameobjMount  byte = 0x01
	OpNameobjCreate byte = 0x02
	OpBkpt          byte = 0x21
	OpTime          byte = 0x23
	OpWirebug       byte = 0x42
	OpSerread       byte = 0x43
	OpPrintflush    byte = 0x46
	OpGetstat       byte = 0x47
	OpInit          byte = 0x49
	OpSerinit       byte = 0x4E
	OpSerterm       byte = 0x45
	OpPrint         byte = 0x50
	OpRead          byte = 0x52
	OpSetstat       byte = 0x53
	OpTerm          byte = 0x54
	OpWrite         byte = 0x57
	OpReadex        byte = 0x58
	OpDwinit        byte = 0x5A
	OpSerwrite      byte = 0xC3
	OpReread        byte = 0xD2
	OpSersetstat    byte = 0xD3
	OpRewrite       byte = 0xD7
	OpRereadex      byte = 0xD8
	OpResetF8       byte = 0xF8
	OpResetFE       byte = 0xFE
	OpResetFF       byte = 0xFF
)

const fastwriteMask = 0xF0
const fastwriteBase = 0x80

// Dispatcher is the opcode decoder and per-opcode handler (component G).
// It owns the serial link, the drive array, the channel buffers, and the
// TCP/queue binding table. Exactly one goroutine runs Run's loop.
type Dispatcher struct {
	link *SerialLink

	drivesMu sync.Mutex
	drives   [4]*VirtualDrive

	channels *ChannelSet
	sessions *SessionManager
	status   *StatusSurface
	metrics  Metrics
	activity ActivityIndicator
	time     TimeProvider

	cfgMu sync.RWMutex
	cfg   *Config

	printMu  sync.Mutex
	printBuf []byte
}

// NewDispatcher wires the dispatcher to its owned components.
func NewDispatcher(link *SerialLink, channels *ChannelSet, sessions *SessionManager, status *StatusSurface, metrics Metrics, activity ActivityIndicator, tp TimeProvider, cfg *Config) *Dispatcher {
	if activity == nil {
		activity = NullIndicator{}
	}
	return &Dispatcher{
		link:     link,
		channels: channels,
		sessions: sessions,
		status:   status,
		metrics:  metrics,
		activity: activity,
		time:     tp,
		cfg:      cfg,
	}
}

// SetConfig atomically swaps the configuration read by SERINIT and TIME
// (component J reload, §4.J).
func (d *Dispatcher) SetConfig(cfg *Config) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.cfg = cfg
}

func (d *Dispatcher) config() *Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// MountDrive binds path as a local sector-image file in the next free
// slot (0..3), used by NAMEOBJ_MOUNT/CREATE (Server's config load uses
// BindDriveSlot instead). Returns the 1-based slot number, or 0 if no
// slot was free or the file could not be opened (§4.G).
func (d *Dispatcher) MountDrive(path string) byte {
	store, err := OpenFileStore(path)
	if err != nil {
		d.status.Log("mount %q failed: %v", path, err)
		return 0
	}
	return d.bindDrive(store, path)
}

// MountBlobDrive binds an Azure Blob-backed sector image in the next
// free slot (component K, BlobStore).
func (d *Dispatcher) MountBlobDrive(store *BlobStore, label string) byte {
	return d.bindDrive(store, label)
}

func (d *Dispatcher) bindDrive(store SectorStore, label string) byte {
	d.drivesMu.Lock()
	defer d.drivesMu.Unlock()
	for i, v := range d.drives {
		if v == nil {
			d.drives[i] = OpenDrive(store, label, d.activity)
			return byte(i + 1)
		}
	}
	_ = store.Close()
	return 0
}

// BindDriveSlot binds store directly into slot i (0..3), replacing and
// closing whatever was previously there. Used at startup to realize the
// config's declared drive bindings, as opposed to MountDrive/
// MountBlobDrive's "next free slot" semantics for a runtime NAMEOBJ_MOUNT.
func (d *Dispatcher) BindDriveSlot(i int, store SectorStore, label string) error {
	if i < 0 || i >= len(d.drives) {
		return ErrChannelRange
	}
	d.drivesMu.Lock()
	defer d.drivesMu.Unlock()
	if prev := d.drives[i]; prev != nil {
		_ = prev.Close()
	}
	d.drives[i] = OpenDrive(store, label, d.activity)
	return nil
}

func (d *Dispatcher) driveAt(idx int) *VirtualDrive {
	if idx < 0 || idx >= len(d.drives) {
		return nil
	}
	d.drivesMu.Lock()
	defer d.drivesMu.Unlock()
	return d.drives[idx]
}

// Drives returns a snapshot of the current drive-slot pointers, used by
// the flush loop and the status surface.
func (d *Dispatcher) Drives() [4]*VirtualDrive {
	d.drivesMu.Lock()
	defer d.drivesMu.Unlock()
	return d.drives
}

// CloseDrives flushes and closes every mounted drive, used on shutdown
// and before a reload replaces the drive array.
func (d *Dispatcher) CloseDrives() {
	d.drivesMu.Lock()
	defer d.drivesMu.Unlock()
	for i, v := range d.drives {
		if v != nil {
			_ = v.Close()
			d.drives[i] = nil
		}
	}
}

// Run is the opcode-idle dispatch loop: read one opcode, handle it,
// return to idle (§4.G, §5). It returns only when ctx is canceled or the
// serial link itself fails; any other error is logged and the loop
// resumes after 1s, per §7's propagation policy.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		opcode, err := d.link.PollOpcode(ctx)
		if err != nil {
			return err
		}
		d.metrics.IncrementOpcodes()

		err = d.dispatch(ctx, opcode)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrTimeout) {
			// §7: protocol-frame timeout — no reply, not logged per-event.
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		d.status.Log("dispatch error on opcode 0x%02X: %v", opcode, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, opcode byte) error {
	if opcode&fastwriteMask == fastwriteBase {
		return d.handleFastwrite(ctx, opcode)
	}

	switch opcode {
	case OpNameobjMount, OpNameobjCreate:
		return d.handleNameobj(ctx)
	case OpBkpt:
		return nil
	case OpTime:
		return d.handleTime(ctx)
	case OpWirebug:
		_, err := d.link.ReadExact(ctx, 23)
		return err
	case OpSerread:
		return d.handleSerread(ctx)
	case OpPrintflush:
		return d.handlePrintflush(ctx)
	case OpGetstat:
		return d.handleGetstat(ctx)
	case OpInit:
		return nil
	case OpSerinit:
		return d.handleSerinit(ctx)
	case OpSerterm:
		return d.handleSerterm(ctx)
	case OpPrint:
		return d.handlePrint(ctx)
	case OpRead, OpReread:
		return d.handleRead(ctx)
	case OpSetstat:
		return d.handleSetstat(ctx)
	case OpTerm:
		return nil
	case OpWrite, OpRewrite:
		return d.handleWrite(ctx)
	case OpReadex, OpRereadex:
		return d.handleReadex(ctx)
	case OpDwinit:
		return d.handleDwinit(ctx)
	case OpSerwrite:
		return d.handleSerwrite(ctx)
	case OpSersetstat:
		return d.handleSersetstat(ctx)
	case OpResetF8, OpResetFE, OpResetFF:
		d.link.Drain(ctx)
		return nil
	default:
		// Unknown opcode: silently consumed, no parameter read, no reply
		// (§4.G tie-breaks; the host resyncs via a later RESET).
		return nil
	}
}

func (d *Dispatcher) handleNameobj(ctx context.Context) error {
	lenBuf, err := d.link.ReadExact(ctx, 1)
	if err != nil {
		return err
	}
	name, err := d.link.ReadExact(ctx, int(lenBuf[0]))
	if err != nil {
		return err
	}
	slot := d.MountDrive(string(name))
	return d.link.Write([]byte{slot})
}

func (d *Dispatcher) handleTime(ctx context.Context) error {
	tp := d.time
	if _, ok := tp.(*SystemTimeProvider); ok {
		tp = NewSystemTimeProvider(d.config().TimezoneOffset)
	}
	y, mo, day, h, mi, s := timeOrFallback(tp)
	var w bytes.Buffer
	buildTimeReply(&w, y, mo, day, h, mi, s)
	return d.link.Write(w.Bytes())
}

func (d *Dispatcher) handleSerread(ctx context.Context) error {
	ch, b, ok := d.channels.FirstNonEmpty()
	var w bytes.Buffer
	if !ok {
		buildSerreadReply(&w, -1, 0)
		return d.link.Write(w.Bytes())
	}
	d.status.RecordChannelRx(ch)
	d.status.SnoopByte(ch, b)
	buildSerreadReply(&w, ch, b)
	return d.link.Write(w.Bytes())
}

func (d *Dispatcher) handlePrintflush(ctx context.Context) error {
	d.printMu.Lock()
	text := string(d.printBuf)
	d.printBuf = nil
	d.printMu.Unlock()
	if text != "" {
		d.status.Log("print: %s", text)
	}
	return nil
}

func (d *Dispatcher) handleGetstat(ctx context.Context) error {
	params, err := d.link.ReadExact(ctx, 2)
	if err != nil {
		return err
	}
	d.status.RecordOpcode(OpGetstat, int(params[0]))
	d.status.RecordStat(params[1])
	return nil
}

func (d *Dispatcher) handleSetstat(ctx context.Context) error {
	params, err := d.link.ReadExact(ctx, 2)
	if err != nil {
		return err
	}
	d.status.RecordOpcode(OpSetstat, int(params[0]))
	d.status.RecordStat(params[1])
	return nil
}

func (d *Dispatcher) handleSerinit(ctx context.Context) error {
	params, err := d.link.ReadExact(ctx, 1)
	if err != nil {
		return err
	}
	ch := int(params[0])
	cfg := d.config()
	entry, ok := cfg.SerialMap[ch]
	if !ok {
		// §4.G: absent mapping is a silent no-op.
		return nil
	}
	d.sessions.Close(ch)
	switch entry.Mode {
	case ModeServer:
		if err := d.sessions.OpenListener(ctx, ch, entry.Host, entry.Port, cfg.acceptPoll); err != nil {
			d.status.Log("channel %d: listen failed: %v", ch, err)
		}
	case ModeQueue:
		if err := d.sessions.OpenQueue(ctx, ch, entry, cfg.ingressQueuePoll); err != nil {
			d.status.Log("channel %d: queue open failed: %v", ch, err)
		}
	default:
		if err := d.sessions.OpenClient(ctx, ch, entry.Host, entry.Port); err != nil {
			d.status.Log("channel %d: dial failed: %v", ch, err)
		}
	}
	return nil
}

func (d *Dispatcher) handleSerterm(ctx context.Context) error {
	params, err := d.link.ReadExact(ctx, 1)
	if err != nil {
		return err
	}
	d.sessions.Close(int(params[0]))
	return nil
}

func (d *Dispatcher) handlePrint(ctx context.Context) error {
	params, err := d.link.ReadExact(ctx, 1)
	if err != nil {
		return err
	}
	d.printMu.Lock()
	d.printBuf = append(d.printBuf, params[0])
	d.printMu.Unlock()
	return nil
}

func (d *Dispatcher) handleRead(ctx context.Context) error {
	params, err := d.link.ReadExact(ctx, 4)
	if err != nil {
		return err
	}
	drive := int(params[0])
	lsn := getLSN(params[1:4])
	d.status.RecordOpcode(OpRead, drive)

	dr := d.driveAt(drive)
	if dr == nil {
		return d.link.Write([]byte{ReplyEUnit})
	}
	sector, err := dr.Read(lsn)
	if err != nil {
		return d.link.Write([]byte{ReplyEUnit})
	}
	d.metrics.IncrementSectorReads(1)
	var w bytes.Buffer
	buildReadReply(&w, sector[:])
	return d.link.Write(w.Bytes())
}

func (d *Dispatcher) handleWrite(ctx context.Context) error {
	params, err := d.link.ReadExact(ctx, 4)
	if err != nil {
		return err
	}
	drive := int(params[0])
	lsn := getLSN(params[1:4])

	payload, err := d.link.ReadExact(ctx, SectorSize)
	if err != nil {
		return err
	}
	csBytes, err := d.link.ReadExact(ctx, 2)
	if err != nil {
		return err
	}
	d.status.RecordOpcode(OpWrite, drive)

	dr := d.driveAt(drive)
	if dr == nil {
		return d.link.Write([]byte{ReplyEUnit})
	}

	hostCS := binary.BigEndian.Uint16(csBytes)
	serverCS := Checksum16(payload)
	if hostCS != serverCS {
		return d.link.Write([]byte{ReplyECRC})
	}
	if err := dr.Write(lsn, payload); err != nil {
		return d.link.Write([]byte{ReplyEUnit})
	}
	d.metrics.IncrementSectorWrites(1)
	return d.link.Write([]byte{ReplyOK})
}

func (d *Dispatcher) handleReadex(ctx context.Context) error {
	params, err := d.link.ReadExact(ctx, 4)
	if err != nil {
		return err
	}
	drive := int(params[0])
	lsn := getLSN(params[1:4])
	d.status.RecordOpcode(OpReadex, drive)

	dr := d.driveAt(drive)
	if dr == nil {
		var zero [SectorSize]byte
		return d.finishReadex(ctx, zero, false)
	}

	sector, err := dr.Read(lsn)
	if err != nil {
		return d.finishReadex(ctx, [SectorSize]byte{}, false)
	}
	d.metrics.IncrementSectorReads(1)
	return d.finishReadex(ctx, sector, true)
}

// finishReadex writes the sector body, reads the host's trailing
// checksum, and replies with the single status byte (§4.G READEX):
// 0xF0 if the drive lookup or the sector read failed (present is
// false), else 0x00/0xF3 from the checksum comparison.
func (d *Dispatcher) finishReadex(ctx context.Context, sector [SectorSize]byte, present bool) error {
	var w bytes.Buffer
	buildReadexOK(&w, sector[:])
	if err := d.link.Write(w.Bytes()); err != nil {
		return err
	}
	hostCS, err := d.link.ReadExact(ctx, 2)
	if err != nil {
		return err
	}
	if !present {
		return d.link.Write([]byte{ReplyEUnit})
	}
	serverCS := Checksum16(sector[:])
	if binary.BigEndian.Uint16(hostCS) == serverCS {
		return d.link.Write([]byte{ReplyOK})
	}
	return d.link.Write([]byte{ReplyECRC})
}

func (d *Dispatcher) handleDwinit(ctx context.Context) error {
	if _, err := d.link.ReadExact(ctx, 1); err != nil {
		return err
	}
	return d.link.Write([]byte{0})
}

func (d *Dispatcher) handleFastwrite(ctx context.Context, opcode byte) error {
	_, err := d.link.ReadExact(ctx, 1)
	// §9 Open Question / Design Note 4: unimplemented payload sink,
	// consume and discard.
	return err
}

func (d *Dispatcher) handleSerwrite(ctx context.Context) error {
	params, err := d.link.ReadExact(ctx, 2)
	if err != nil {
		return err
	}
	ch := int(params[0])
	d.status.RecordChannelTx(ch)
	_ = d.sessions.Send(ctx, ch, params[1]) // discard if no binding (§4.G)
	return nil
}

func (d *Dispatcher) handleSersetstat(ctx context.Context) error {
	params, err := d.link.ReadExact(ctx, 2)
	if err != nil {
		return err
	}
	code := params[1]
	if code == 0x28 {
		if _, err := d.link.ReadExact(ctx, 26); err != nil {
			return err
		}
	}
	d.status.RecordStat(code)
	return nil
}
