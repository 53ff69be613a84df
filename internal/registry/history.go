// File: internal/registry/history.go
// Brief: Append-only JSON-lines history with a per-run digest chain.

package registry

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

const eventDomain = "odoo-launch.run-event.v1"

// Event is one line of the history log. Record carries the full run state
// after the event so the index can be rebuilt from history alone.
type Event struct {
	Seq        int64      `json:"seq"`
	TS         string     `json:"ts"`
	RunID      string     `json:"runId"`
	Type       string     `json:"type"`
	Phase      Phase      `json:"phase"`
	Status     Status     `json:"status"`
	Message    string     `json:"message,omitempty"`
	Error      *RunError  `json:"error,omitempty"`
	Record     *RunRecord `json:"record"`
	PrevDigest string     `json:"prevDigest,omitempty"`
	Digest     string     `json:"digest"`
	CRC32      string     `json:"crc32"`
}

func computeEventIntegrity(ev Event) (digest string, crc string, err error) {
	recordJSON, err := json.Marshal(ev.Record)
	if err != nil {
		return "", "", err
	}
	h := sha256.New()
	c := crc32.NewIEEE()
	write := func(b []byte) {
		_, _ = h.Write(b)
		_, _ = c.Write(b)
		_, _ = h.Write([]byte{0})
		_, _ = c.Write([]byte{0})
	}
	write([]byte(eventDomain))
	write([]byte(fmt.Sprintf("seq=%d", ev.Seq)))
	write([]byte(ev.TS))
	write([]byte(ev.RunID))
	write([]byte(ev.Type))
	write([]byte(ev.Phase))
	write([]byte(ev.Status))
	write([]byte(ev.Message))
	if ev.Error != nil {
		write([]byte(ev.Error.Kind))
		write([]byte(ev.Error.Message))
		write([]byte(ev.Error.Subject))
	} else {
		write(nil)
		write(nil)
		write(nil)
	}
	write(recordJSON)
	write([]byte(ev.PrevDigest))
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), fmt.Sprintf("crc32:%08x", c.Sum32()), nil
}

func sealEvent(ev *Event) error {
	digest, crc, err := computeEventIntegrity(*ev)
	if err != nil {
		return err
	}
	ev.Digest = digest
	ev.CRC32 = crc
	return nil
}

// verifyEvent checks ev against the previous event of the same run.
func verifyEvent(ev Event, prevSeq int64, prevDigest string) error {
	if ev.Seq != prevSeq+1 {
		return fmt.Errorf("event seq %d follows seq %d", ev.Seq, prevSeq)
	}
	if ev.PrevDigest != prevDigest {
		return fmt.Errorf("event seq %d breaks the digest chain", ev.Seq)
	}
	digest, crc, err := computeEventIntegrity(ev)
	if err != nil {
		return err
	}
	if digest != ev.Digest || crc != ev.CRC32 {
		return fmt.Errorf("event seq %d digest mismatch", ev.Seq)
	}
	if ev.Record == nil || ev.Record.RunID != ev.RunID {
		return fmt.Errorf("event seq %d carries no record for the run", ev.Seq)
	}
	return nil
}

// appendEvent writes one line and fsyncs. It returns the file size after
// the write.
func appendEvent(path string, ev Event) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	line = append(line, '\n')
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// errTornTail reports an unterminated final line: an append that never
// completed.
type errTornTail struct {
	Offset int64
}

func (e *errTornTail) Error() string {
	return fmt.Sprintf("unterminated history line at offset %d", e.Offset)
}

// scanHistory calls fn for every complete event at or after offset from.
// end is the file offset just past the event's line.
func scanHistory(path string, from int64, fn func(ev Event, end int64) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	if from > 0 {
		if _, err := f.Seek(from, io.SeekStart); err != nil {
			return err
		}
	}
	r := bufio.NewReaderSize(f, 64<<10)
	pos := from
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] != '\n' {
			return &errTornTail{Offset: pos}
		}
		if len(line) > 0 {
			start := pos
			pos += int64(len(line))
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var ev Event
				if jsonErr := json.Unmarshal(trimmed, &ev); jsonErr != nil {
					return &RegistryError{Kind: KindCorrupt, Path: path, Err: fmt.Errorf("offset %d: %w", start, jsonErr)}
				}
				if cbErr := fn(ev, pos); cbErr != nil {
					return cbErr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// truncateTornTail drops an unterminated final line.
func truncateTornTail(path string, offset int64) error {
	return os.Truncate(path, offset)
}

func historySize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}
