// Package audit appends operator-visible decisions (startup failures,
// manual requeues, rejected gateway clients) to <home>/logs/audit.jsonl.
//
// The log is process-global: Init opens it once and Record is safe to call
// from any goroutine, before Init included.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/stowage/internal/shared"
)

type Outcome string

const (
	Allow  Outcome = "allow"
	Reject Outcome = "reject"
	Fatal  Outcome = "fatal"
)

// Entry is one audit.jsonl line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Outcome   Outcome   `json:"outcome"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	Subject   string    `json:"subject,omitempty"`
}

var (
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	counts = map[Outcome]int64{}
	now    = time.Now
)

// Path is the audit log location under homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	path := Path(homeDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file, enc = f, json.NewEncoder(f)
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file, enc = nil, nil
	return err
}

// Counts returns how many entries of each outcome were recorded since
// startup, including those recorded before Init.
func Counts() map[Outcome]int64 {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[Outcome]int64, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

// Record appends one entry with secrets scrubbed from reason and subject.
func Record(outcome Outcome, action, reason, subject string) {
	e := Entry{
		Timestamp: now().UTC(),
		Outcome:   outcome,
		Action:    action,
		Reason:    shared.Redact(reason),
		Subject:   shared.Redact(subject),
	}

	mu.Lock()
	defer mu.Unlock()
	counts[outcome]++
	if enc != nil {
		// Encode writes the trailing newline in the same write call.
		_ = enc.Encode(e)
	}
}
