package logging

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LineWriter prefixes every complete line with a sequence number and a
// timestamp. A trailing partial line is held until the next newline or
// Close.
type LineWriter struct {
	mu     sync.Mutex
	target io.Writer
	seq    atomic.Uint64
	buf    bytes.Buffer
	now    func() time.Time
}

func NewLineWriter(target io.Writer) *LineWriter {
	return &LineWriter{target: target, now: time.Now}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := w.buf.Next(i + 1)
		if err := w.writeLine(bytes.TrimRight(line, "\r\n")); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (w *LineWriter) writeLine(line []byte) error {
	prefix := slog.Uint64("line", w.seq.Add(1)).String() + " " +
		slog.String("time", w.now().Format(time.RFC3339)).String() + " "
	if _, err := io.WriteString(w.target, prefix); err != nil {
		return err
	}
	if _, err := w.target.Write(line); err != nil {
		return err
	}
	_, err := w.target.Write([]byte{'\n'})
	return err
}

// Close flushes a pending partial line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return nil
	}
	line := append([]byte(nil), w.buf.Bytes()...)
	w.buf.Reset()
	return w.writeLine(line)
}
