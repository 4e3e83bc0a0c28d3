// Package replay persists (rng_seed, initial_state, input_action_stream)
// recordings sufficient to replay the Store deterministically, backing the
// --record=state-with-input-actions flag. Entries are gob-framed; the
// action payloads themselves are opaque bytes encoded by the wiring's
// registered codec, so this package needs no knowledge of action shapes.
package replay

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode selects what the node records.
type Mode string

const (
	ModeNone                  Mode = "none"
	ModeStateWithInputActions Mode = "state-with-input-actions"
)

// ParseMode validates a --record flag value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNone, ModeStateWithInputActions:
		return Mode(s), nil
	}
	return ModeNone, fmt.Errorf("replay: unknown record mode %q", s)
}

// Header opens a recording: the rng seed and the gob-encoded initial
// state snapshot.
type Header struct {
	RngSeed      int64
	InitialState []byte
	CreatedAt    time.Time
}

// Entry is one recorded input action.
type Entry struct {
	Kind string
	Time time.Time
	Data []byte
}

const fileName = "recording.gob"

// Recorder appends a recording under the work directory.
type Recorder struct {
	f   *os.File
	enc *gob.Encoder
	log *logrus.Entry
}

// NewRecorder creates (truncating) the recording file and writes the
// header.
func NewRecorder(workDir string, hdr Header) (*Recorder, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("replay: create work dir: %w", err)
	}
	path := filepath.Join(workDir, fileName)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("replay: create %s: %w", path, err)
	}
	enc := gob.NewEncoder(f)
	if err := enc.Encode(hdr); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("replay: write header: %w", err)
	}
	return &Recorder{f: f, enc: enc, log: logrus.WithField("component", "replay")}, nil
}

// Record appends one input action.
func (r *Recorder) Record(e Entry) error {
	if err := r.enc.Encode(e); err != nil {
		return fmt.Errorf("replay: record entry: %w", err)
	}
	return nil
}

// Close flushes and closes the recording.
func (r *Recorder) Close() error {
	return r.f.Close()
}

// Player reads a recording back.
type Player struct {
	f      *os.File
	dec    *gob.Decoder
	header Header
}

// Open reads the recording header and positions at the first entry.
func Open(workDir string) (*Player, error) {
	path := filepath.Join(workDir, fileName)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: open %s: %w", path, err)
	}
	dec := gob.NewDecoder(f)
	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("replay: read header: %w", err)
	}
	return &Player{f: f, dec: dec, header: hdr}, nil
}

// Header returns the recording's header.
func (p *Player) Header() Header { return p.header }

// Next returns the next entry, or io.EOF at the end of the stream.
func (p *Player) Next() (Entry, error) {
	var e Entry
	err := p.dec.Decode(&e)
	if errors.Is(err, io.EOF) {
		return Entry{}, io.EOF
	}
	if err != nil {
		return Entry{}, fmt.Errorf("replay: read entry: %w", err)
	}
	return e, nil
}

// Replay streams every entry through fn in recorded order.
func (p *Player) Replay(fn func(Entry) error) error {
	for {
		e, err := p.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Close releases the underlying file.
func (p *Player) Close() error { return p.f.Close() }
