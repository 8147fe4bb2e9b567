// Package exectest helps running subprocesses as part of tests.
package exectest

import (
	"bytes"
	"os/exec"
	"strings"
	"sync"
	"testing"
)

// Capture attaches line-buffered test loggers to the stdout and stderr of cmd.
// Must be called before the command starts.
func Capture(tb testing.TB, cmd *exec.Cmd, name string) {
	var prefix string
	if name != "" {
		prefix = name + ": "
	}
	cmd.Stdout = &PipeCapture{TB: tb, Prefix: prefix}
	cmd.Stderr = &PipeCapture{TB: tb, Prefix: prefix + "(stderr) "}
}

// PipeCapture is an io.Writer that logs each complete line to the test.
type PipeCapture struct {
	TB     testing.TB
	Prefix string

	lock sync.Mutex
	buf  bytes.Buffer
}

func (w *PipeCapture) Write(buf []byte) (n int, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.buf.Write(buf)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line, keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.line(strings.TrimSuffix(line, "\n"))
	}
	return len(buf), nil
}

// Flush logs any buffered partial line.
func (w *PipeCapture) Flush() {
	w.lock.Lock()
	defer w.lock.Unlock()
	if rest := w.buf.String(); rest != "" {
		w.line(rest)
	}
	w.buf.Reset()
}

func (w *PipeCapture) line(s string) {
	w.TB.Log(w.Prefix + s)
}
