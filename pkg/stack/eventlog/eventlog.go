// Package eventlog implements C8: the single append-only output writer
// whose line formats (§4.8) external test harnesses grade against
// verbatim. Grounded on the teacher's append-only types.Log abstraction
// (pkg/mcast/types/data.go's LogEntry), adapted here from a structured
// state-machine log to a plain line writer over one buffered file.
package eventlog

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/dvx-labs/reliastack/pkg/stack/types"
)

// Log is the one writer task per process: every broadcast, delivery, and
// lattice decision line passes through it, serialized by a single mutex
// since concurrent producers (PL/URB/FIFO/LA) all write lines
// independently.
type Log struct {
	mu sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

// New wraps dst in a buffered writer. If dst also implements io.Closer,
// Close flushes and closes it; otherwise Close only flushes.
func New(dst io.Writer) *Log {
	l := &Log{w: bufio.NewWriter(dst)}
	if c, ok := dst.(io.Closer); ok {
		l.c = c
	}
	return l
}

// LogBroadcast writes a `b <seq>` line, emitted synchronously at send
// time by whichever layer assigns the AuthorSeq (URB for FIFO mode, the
// raw PL manager for pure-PL mode).
func (l *Log) LogBroadcast(seq types.AuthorSeq) {
	l.writeLine(fmt.Sprintf("b %d", seq))
}

// LogDelivery writes a `d <sender_id> <seq>` line on every upward
// delivery in FIFO order.
func (l *Log) LogDelivery(author types.ProcessId, seq types.AuthorSeq) {
	l.writeLine(fmt.Sprintf("d %d %d", author, seq))
}

// LogDecision writes a lattice decision line: the decided values,
// space-separated. Order is not graded (tests compare as sets), so
// values are sorted for a deterministic, human-legible line.
func (l *Log) LogDecision(values []uint32) {
	sorted := make([]uint32, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	parts := make([]string, len(sorted))
	for i, v := range sorted {
		parts[i] = fmt.Sprintf("%d", v)
	}
	line := ""
	for i, p := range parts {
		if i > 0 {
			line += " "
		}
		line += p
	}
	l.writeLine(line)
}

func (l *Log) writeLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.WriteString(line)
	l.w.WriteByte('\n')
}

// Flush flushes buffered output; called periodically is unnecessary here
// since the writer is unbuffered across process lifetime, but is always
// called at shutdown (§4.8).
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Flush()
}

// Close flushes and, if the underlying writer is closable, closes it.
func (l *Log) Close() error {
	if err := l.Flush(); err != nil {
		return err
	}
	if l.c != nil {
		return l.c.Close()
	}
	return nil
}
