// Package audit implements the append-only Audit Log:
// every rule evaluation, state transition, and order event records here,
// with a strictly monotonic, gap-free sequence number and durability on
// append.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/trueasset/alluse-core/pkg/types"
	"go.uber.org/zap"
)

// Log is the append-only event sink. Append returns only after the
// record is durable (fsync'd) on disk.
type Log struct {
	logger *zap.Logger

	mu             sync.Mutex
	file           *os.File
	writer         *bufio.Writer
	nextSeq        uint64
	flushedThrough uint64

	// records is an in-memory mirror for fast range-scan queries; the
	// file is the durability source of truth, this is a read cache.
	records []types.AuditRecord
}

// Open loads any existing log tail at path (rebuilding nextSeq and the
// in-memory mirror) and returns a Log ready for further appends.
func Open(logger *zap.Logger, path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	l := &Log{logger: logger}

	if existing, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(existing)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var rec types.AuditRecord
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				logger.Warn("skipping unreadable audit record on reload", zap.Error(err))
				continue
			}
			l.records = append(l.records, rec)
			if rec.Seq >= l.nextSeq {
				l.nextSeq = rec.Seq + 1
			}
		}
		existing.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan audit log tail: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log for append: %w", err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.flushedThrough = l.nextSeq
	logger.Info("audit log opened", zap.String("path", path), zap.Uint64("nextSeq", l.nextSeq))
	return l, nil
}

// Append assigns the next monotonic sequence number, writes the record,
// and fsyncs before returning. It never loses a record once this call
// returns nil.
func (l *Log) Append(rec types.AuditRecord) (types.AuditRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Seq = l.nextSeq
	rec.Timestamp = timeNow()

	encoded, err := json.Marshal(rec)
	if err != nil {
		return types.AuditRecord{}, fmt.Errorf("encode audit record: %w", err)
	}
	if _, err := l.writer.Write(encoded); err != nil {
		return types.AuditRecord{}, fmt.Errorf("write audit record: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return types.AuditRecord{}, fmt.Errorf("write audit record: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return types.AuditRecord{}, fmt.Errorf("flush audit record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return types.AuditRecord{}, fmt.Errorf("fsync audit log: %w", err)
	}

	l.nextSeq++
	l.flushedThrough = rec.Seq + 1
	l.records = append(l.records, rec)
	return rec, nil
}

// FlushedThrough exposes the sequence watermark durably persisted so far.
func (l *Log) FlushedThrough() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushedThrough
}

// Query copies the records under the log's mutex and filters the copy
// outside it, returning the matches newest last, capped at limit (0
// means unlimited).
func (l *Log) Query(filter types.AuditFilter, limit int) []types.AuditRecord {
	l.mu.Lock()
	snapshot := make([]types.AuditRecord, len(l.records))
	copy(snapshot, l.records)
	l.mu.Unlock()

	out := make([]types.AuditRecord, 0, len(snapshot))
	for _, rec := range snapshot {
		if filter.Kind != "" && rec.Kind != filter.Kind {
			continue
		}
		if filter.SubjectID != "" && !containsID(rec.SubjectIDs, filter.SubjectID) {
			continue
		}
		if !filter.Since.IsZero() && rec.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && rec.Timestamp.After(filter.Until) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// timeNow is a var so tests can freeze it if ever needed; kept unexported
// since nothing outside this package should control audit timestamps.
var timeNow = time.Now
