// Package ipc implements the newline-delimited JSON protocol spoken between
// the stowage daemon and its worker process over a Unix socket.
package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
)

// maxFrameBytes bounds a single line. A peer that never sends a newline
// cannot grow the decoder buffer past this.
const maxFrameBytes = 16 << 20

// Encode serializes v as one frame: compact JSON followed by a single '\n'.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// Decoder splits a byte stream into frames. Partial lines are kept across
// Feed calls; lines that are not valid JSON are dropped.
type Decoder struct {
	buf     []byte
	dropped int
	logger  *slog.Logger
}

func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Feed appends p to the buffer and returns every complete frame.
func (d *Decoder) Feed(p []byte) []json.RawMessage {
	d.buf = append(d.buf, p...)

	var out []json.RawMessage
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(d.buf[:i])
		d.buf = d.buf[i+1:]
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			d.dropped++
			d.logger.Debug("dropping malformed ipc frame", "bytes", len(line))
			continue
		}
		out = append(out, json.RawMessage(bytes.Clone(line)))
	}

	if len(d.buf) > maxFrameBytes {
		d.dropped++
		d.logger.Debug("dropping oversized partial ipc frame", "bytes", len(d.buf))
		d.buf = nil
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Dropped reports how many lines were discarded.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Buffered reports the length of the pending partial line.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
