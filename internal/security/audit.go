// Package security keeps the gateway's audit trail.
package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"wanctl/internal/domain"
	"wanctl/internal/infra/tracer"
)

// RetentionPolicy controls how long audit entries are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // max age of entries; 0 = no limit
	MaxSize int64         // max file size in bytes; 0 = no limit
}

// FileAuditLogger implements domain.AuditLogger by appending JSON lines to a file.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
}

var _ domain.AuditLogger = (*FileAuditLogger)(nil)

// NewFileAuditLogger creates an audit logger that appends to path. The file
// is created with 0600 permissions if it does not exist.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// SetRetention configures the policy EnforceRetention applies.
func (a *FileAuditLogger) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = &policy
}

// Log writes an audit event as a single JSON line.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	// mirror onto the active span, if any
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail)+2)
		attrs = append(attrs, tracer.StringAttr("audit.actor", event.Actor), tracer.StringAttr("audit.outcome", event.Outcome))
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Close closes the audit log file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the log keeping only entries inside the
// retention policy, oldest dropped first when over MaxSize.
func (a *FileAuditLogger) EnforceRetention(ctx context.Context) (removed int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	policy := a.retention
	if policy == nil || (policy.MaxAge == 0 && policy.MaxSize == 0) {
		return 0, nil
	}
	if policy.MaxAge == 0 {
		info, err := os.Stat(a.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= policy.MaxSize {
			return 0, nil
		}
	}

	kept, keptSize, removed, err := a.readKept(ctx, policy)
	if err != nil {
		return 0, err
	}
	for policy.MaxSize > 0 && len(kept) > 0 && keptSize > policy.MaxSize {
		keptSize -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}
	rewriteErr := rewrite(a.path, kept)
	a.file, err = openAppend(a.path)
	if err != nil {
		return removed, fmt.Errorf("reopen after retention: %w", err)
	}
	if rewriteErr != nil {
		return 0, rewriteErr
	}
	return removed, nil
}

// readKept returns the lines newer than MaxAge. Callers hold a.mu.
func (a *FileAuditLogger) readKept(ctx context.Context, policy *RetentionPolicy) (kept [][]byte, size int64, removed int, err error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open for reading: %w", err)
	}
	defer f.Close()

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = time.Now().Add(-policy.MaxAge)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, 0, 0, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return kept, size, removed, nil
}

func rewrite(path string, lines [][]byte) error {
	tmpPath := path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ParseRetentionMaxSize parses a human-readable size string (e.g. "100MB", "1GB").
func ParseRetentionMaxSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parse size %q: want a number with an optional KB, MB or GB suffix", s)
	}
	return n * multiplier, nil
}
