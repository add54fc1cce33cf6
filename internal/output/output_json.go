package output

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tkjaer/mtrng/internal/shared"
)

// JSONOutput writes one snapshot per completed round as a JSON line, to a
// file or stdout.
type JSONOutput struct {
	mu       sync.Mutex
	file     io.WriteCloser
	enc      *json.Encoder
	toStdout bool
	written  int // highest round written
}

func NewJSONOutput(filename string) (*JSONOutput, error) {
	if filename == "" {
		return &JSONOutput{
			file:     os.Stdout,
			enc:      json.NewEncoder(os.Stdout),
			toStdout: true,
		}, nil
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return &JSONOutput{
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

func (j *JSONOutput) Update(*shared.Snapshot) {
	// No-op for JSON, only whole rounds are written
}

func (j *JSONOutput) CompleteRound(snap *shared.Snapshot) {
	j.write(snap)
}

// Complete writes the final snapshot unless its round was already written.
func (j *JSONOutput) Complete(snap *shared.Snapshot) {
	j.write(snap)
}

func (j *JSONOutput) write(snap *shared.Snapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if snap == nil || (snap.Round <= j.written && j.written > 0) {
		return
	}
	if err := j.enc.Encode(snap); err != nil {
		slog.Warn("Failed to write JSON snapshot", "round", snap.Round, "error", err)
		return
	}
	j.written = snap.Round
}

func (j *JSONOutput) Close() error {
	if j.toStdout {
		return nil
	}
	return j.file.Close()
}
