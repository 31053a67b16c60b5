// Package ledgerlog mirrors committed bank transactions to hourly zstd-compressed JSONL files.
package ledgerlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"chunkclaims.ai/internal/claims/model"
	"chunkclaims.ai/internal/runtime/clock"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	clock   clock.Clock

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string, clk clock.Clock) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		clock:   clock.OrSystem(clk),
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.clock.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Path reports the file the writer is currently appending to.
func (w *JSONLZstdWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curHour == "" {
		return ""
	}
	return w.pathForHour(w.curHour)
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 32*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Sink receives every committed bank transaction.
type Sink interface {
	Append(tx model.BankTransaction) error
}

type Nop struct{}

func (Nop) Append(model.BankTransaction) error { return nil }

// Ledger writes bank transactions under dir/ledger-<hour>.jsonl.zst.
type Ledger struct{ w *JSONLZstdWriter }

func New(dir string, clk clock.Clock) *Ledger {
	return &Ledger{w: NewJSONLZstdWriter(dir, "ledger", clk)}
}

func (l *Ledger) Append(tx model.BankTransaction) error { return l.w.Write(tx) }
func (l *Ledger) Path() string                          { return l.w.Path() }
func (l *Ledger) Close() error                          { return l.w.Close() }

// ReadFile decodes a ledger file. Files written across restarts hold several zstd frames.
func ReadFile(path string) ([]model.BankTransaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) ([]model.BankTransaction, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []model.BankTransaction
	jd := json.NewDecoder(dec)
	for {
		var tx model.BankTransaction
		if err := jd.Decode(&tx); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("decode ledger entry %d: %w", len(out)+1, err)
		}
		out = append(out, tx)
	}
}
