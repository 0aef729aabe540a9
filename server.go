package dw4core

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Server owns every long-lived component and its lifecycle: the
// listener accepting the host computer's serial-over-TCP link, the
// dispatcher, the flush loop, the session manager's channel bindings,
// and the optional durable log mirror (§4, §5 lifecycle; SPEC_FULL §4.J
// for reload semantics).
type Server struct {
	mu  sync.Mutex
	cfg *Config

	channels   *ChannelSet
	sessions   *SessionManager
	status     *StatusSurface
	dispatcher *Dispatcher
	mirror     LogMirror

	listener net.Listener
	wg       sync.WaitGroup
	running  bool
}

// NewServer builds a Server from cfg without starting any background
// work; call Start to bring it up.
func NewServer(cfg *Config) *Server {
	channels := NewChannelSet(DefaultChannelBufferSize)
	status := NewStatusSurface()
	sessions := NewSessionManager(channels, status, cfg.metrics)
	tp := NewSystemTimeProvider(cfg.TimezoneOffset)
	dispatcher := NewDispatcher(nil, channels, sessions, status, cfg.metrics, NullIndicator{}, tp, cfg)

	return &Server{
		cfg:        cfg,
		channels:   channels,
		sessions:   sessions,
		status:     status,
		dispatcher: dispatcher,
		mirror:     NoopLogMirror{},
	}
}

// Start opens the configured drives, the optional log mirror, the
// host-link listener, and launches the flush loop and the accept loop as
// background goroutines (§5 lifecycle). It returns once the listener is
// bound; the dispatch loop itself runs asynchronously per accepted
// connection.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("dw4core: server already running")
	}

	if err := s.mountConfiguredDrives(ctx); err != nil {
		return err
	}

	if s.cfg.LogMirror != nil {
		m, err := NewTableLogMirror(ctx, s.cfg.LogMirror)
		if err != nil {
			s.status.Log("log mirror disabled: %v", err)
		} else {
			s.mirror = m
			s.status.SetLogMirror(m)
		}
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("dw4core: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.serveLoop(ctx, ln)
	}()
	go func() {
		defer s.wg.Done()
		runFlushLoop(ctx, s.cfg.flushInterval, s.dispatcher.Drives, s.status, s.cfg.metrics)
	}()

	s.running = true
	s.status.Log("listening on %s", s.cfg.ListenAddr)
	return nil
}

// mountConfiguredDrives realizes cfg.Drives' declared bindings into the
// drive slots they name, opening a FileStore or BlobStore per slot's
// backend kind. A slot with an empty Backend stays unmounted.
func (s *Server) mountConfiguredDrives(ctx context.Context) error {
	for i, dc := range s.cfg.Drives {
		switch dc.Backend {
		case "":
			continue
		case BackendFile:
			if dc.Path == "" {
				continue
			}
			store, err := OpenFileStore(dc.Path)
			if err != nil {
				return fmt.Errorf("dw4core: mount drive %d: %w", i, err)
			}
			if err := s.dispatcher.BindDriveSlot(i, store, dc.Path); err != nil {
				return err
			}
		case BackendBlob:
			store, err := OpenBlobStore(ctx, dc.BlobURL, dc.BlobAccount, dc.BlobKey)
			if err != nil {
				return fmt.Errorf("dw4core: mount drive %d: %w", i, err)
			}
			if err := s.dispatcher.BindDriveSlot(i, store, dc.BlobURL); err != nil {
				return err
			}
		}
	}
	return nil
}

// serveLoop accepts the host computer's serial-over-TCP connection, one
// at a time, and runs the dispatch loop against it until it disconnects
// or ctx is canceled, then waits for a reconnection (see DESIGN.md, Open
// Question 5).
func (s *Server) serveLoop(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.status.Log("accept failed: %v", err)
			continue
		}

		s.status.Log("host connected: %s", conn.RemoteAddr())
		cfg := s.currentConfig()
		link := NewSerialLink(NewNetByteSource(conn), cfg.fastPoll, cfg.steadyPoll, cfg.readExactCycles)
		s.dispatcher.link = link

		err = s.dispatcher.Run(ctx)
		_ = conn.Close()
		s.status.Log("host disconnected: %v", err)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) currentConfig() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reload atomically swaps the active configuration (§4.J reload_config),
// closes every channel binding and listener, flushes and closes every
// drive, and mounts the drive slots the new config declares. The
// dispatcher and flush loop keep running: poll timings and the serial_map
// take effect on the next reconnect and the next SERINIT respectively,
// and the flush interval set at Start is kept.
func (s *Server) Reload(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.dispatcher.SetConfig(cfg)
	s.sessions.CloseAll()
	s.dispatcher.CloseDrives()
	if err := s.mountConfiguredDrives(context.Background()); err != nil {
		return err
	}
	s.status.Log("configuration reloaded")
	return nil
}

// Stop tears down the listener, the session manager's bindings, flushes
// and closes every drive, and waits for the flush/accept goroutines to
// exit (§5 shutdown sequence: "cancel flush loop, cancel reader tasks,
// close listeners, close drives with final flush"). The caller's ctx
// cancellation is what actually unblocks the background goroutines; Stop
// itself only releases the resources Start acquired directly.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.sessions.CloseAll()
	s.wg.Wait()
	s.dispatcher.CloseDrives()
	return s.mirror.Close()
}

// Status exposes the read-only status surface for the management plane
// (component H).
func (s *Server) Status() StatusSnapshot {
	cfg := s.currentConfig()
	tp := NewSystemTimeProvider(cfg.TimezoneOffset)
	drives := s.dispatcher.Drives()
	return s.status.Snapshot(tp, drives, cfg.metrics)
}

// SetMonitorChannel forwards to the status surface's single external
// write operation (§6 monitor command).
func (s *Server) SetMonitorChannel(ch int) {
	s.status.SetMonitorChannel(ch)
}
