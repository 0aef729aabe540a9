package dw4core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
)

// LogMirror is the optional durable mirror of the in-memory log ring
// (component M, SPEC_FULL §4.M). Append is best-effort and must never
// block or fail the dispatcher: errors are recorded for LastError and
// otherwise swallowed.
type LogMirror interface {
	Append(entry string)
	LastError() error
	Close() error
}

// NoopLogMirror is installed when no log_mirror config is present.
type NoopLogMirror struct{}

func (NoopLogMirror) Append(string)  {}
func (NoopLogMirror) LastError() error { return nil }
func (NoopLogMirror) Close() error   { return nil }

// TableLogMirror mirrors log entries to an Azure Table, one entity per
// entry, partitioned by a session UUID so entries from successive
// daemon runs never collide (SPEC_FULL §3). It is grounded on the
// teacher's aztable.go entity-shaping helpers, simplified for a single
// short text property instead of the teacher's chunked DataNN scheme,
// since a log line is always far under aztable's 64 KiB property cap.
type TableLogMirror struct {
	client    *aztables.Client
	partition string

	seq int64
	wg  sync.WaitGroup

	mu      sync.Mutex
	lastErr error
}

// NewTableLogMirror builds a mirror against cfg. The partition key is a
// fresh UUID, correlating every entry from this process run.
func NewTableLogMirror(ctx context.Context, cfg *LogMirrorConfig) (*TableLogMirror, error) {
	cred, err := aztables.NewSharedKeyCredential(cfg.Account, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("log mirror: %w", err)
	}
	svc, err := aztables.NewServiceClientWithSharedKey(
		"https://"+cfg.Account+".table.core.windows.net", cred, nil)
	if err != nil {
		return nil, fmt.Errorf("log mirror: %w", err)
	}
	client := svc.NewClient(cfg.Table)
	if _, err := client.CreateTable(ctx, nil); err != nil {
		// Table already existing is fine; any other error surfaces on
		// first Append instead of failing startup.
	}
	return &TableLogMirror{client: client, partition: uuid.New().String()}, nil
}

// Append mirrors entry asynchronously so a slow/unavailable table never
// stalls the dispatcher goroutine that logged it.
func (m *TableLogMirror) Append(entry string) {
	seq := atomic.AddInt64(&m.seq, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		row := fmt.Sprintf("%020d", seq)
		body, err := json.Marshal(map[string]any{
			"PartitionKey": m.partition,
			"RowKey":       row,
			"Data":         entry,
		})
		if err != nil {
			m.setErr(err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err = m.client.AddEntity(ctx, body, nil)
		m.setErr(err)
	}()
}

func (m *TableLogMirror) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

func (m *TableLogMirror) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *TableLogMirror) Close() error {
	m.wg.Wait()
	return nil
}
