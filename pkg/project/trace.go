package project

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// TraceEventType enumerates the audit trail event types.
type TraceEventType string

const (
	TraceInit        TraceEventType = "init"
	TraceRunStart    TraceEventType = "run_start"
	TraceRunComplete TraceEventType = "run_complete"
	TraceRollback    TraceEventType = "rollback"
	TraceDecision    TraceEventType = "decision"
	TraceSkip        TraceEventType = "skip"
	TraceUndo        TraceEventType = "undo"
	TraceRewind      TraceEventType = "rewind"
	TraceRecover     TraceEventType = "recover"
)

// TraceEvent is one line of the append-only JSONL audit trail. Each event
// carries the SHA-256 of the previous line, forming a tamper-evident chain;
// the first event chains from a 64-zero genesis hash.
type TraceEvent struct {
	Type      TraceEventType `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	StepID    string         `json:"step_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Data      map[string]any `json:"data,omitempty"`
}

var genesisHash = strings.Repeat("0", 64)

// TraceWriter appends hash-chained events to the trace file. Appends are
// synced at event boundaries so a crash loses at most the event in flight.
type TraceWriter struct {
	mu   sync.Mutex
	file *os.File
	prev string
}

// OpenTraceWriter opens the trace file for appending, recovering the chain
// position from the existing tail.
func OpenTraceWriter(path string) (*TraceWriter, error) {
	prev, err := lastLineHash(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &TraceWriter{file: f, prev: prev}, nil
}

// Emit appends one event to the trail.
func (tw *TraceWriter) Emit(eventType TraceEventType, stepID, runID string, data map[string]any) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	evt := TraceEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		StepID:    stepID,
		RunID:     runID,
		PrevHash:  tw.prev,
		Data:      data,
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode trace event: %w", err)
	}
	if _, err := tw.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append trace event: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("sync trace: %w", err)
	}
	h := sha256.Sum256(line)
	tw.prev = hex.EncodeToString(h[:])
	return nil
}

// Close closes the underlying file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.file.Close()
}

// lastLineHash scans an existing trace file and returns the hash the next
// event must chain from.
func lastLineHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesisHash, nil
		}
		return "", fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	prev := genesisHash
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		h := sha256.Sum256(line)
		prev = hex.EncodeToString(h[:])
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read trace: %w", err)
	}
	return prev, nil
}

// TraceCheck is the outcome of verifying a trace file.
type TraceCheck struct {
	EventCount int
	Valid      bool
	BrokenAt   int // 1-based event number, -1 if the chain is intact
	ChainHash  string
	Error      string
}

// VerifyTraceFile verifies the hash chain of a trace file.
func VerifyTraceFile(path string) (*TraceCheck, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return VerifyTrace(f)
}

// VerifyTrace walks the event stream and checks every prev_hash link.
func VerifyTrace(r io.Reader) (*TraceCheck, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	expected := genesisHash
	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		count++

		var evt TraceEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return &TraceCheck{
				EventCount: count,
				BrokenAt:   count,
				Error:      fmt.Sprintf("event %d: invalid JSON: %v", count, err),
			}, nil
		}
		if evt.PrevHash != expected {
			return &TraceCheck{
				EventCount: count,
				BrokenAt:   count,
				Error:      fmt.Sprintf("event %d: prev_hash mismatch, the trail was edited or truncated", count),
			}, nil
		}
		h := sha256.Sum256(line)
		expected = hex.EncodeToString(h[:])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}

	check := &TraceCheck{EventCount: count, Valid: true, BrokenAt: -1}
	if count > 0 {
		check.ChainHash = expected
	}
	return check, nil
}
