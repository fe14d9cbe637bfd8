package execution

import (
	"bytes"
	"strings"
)

// lineWriter splits process output into lines and hands each one to emit while keeping
// the last max bytes for the result.
type lineWriter struct {
	emit    func(line string)
	max     int
	partial []byte
	tail    []byte
}

func newLineWriter(max int, emit func(string)) *lineWriter {
	return &lineWriter{emit: emit, max: max}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.keep(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(strings.TrimRight(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > w.max {
		w.emit(string(w.partial))
		w.partial = nil
	}
	return len(p), nil
}

// Flush emits a trailing line without a newline.
func (w *lineWriter) Flush() {
	if len(w.partial) > 0 {
		w.emit(strings.TrimRight(string(w.partial), "\r"))
		w.partial = nil
	}
}

func (w *lineWriter) keep(p []byte) {
	w.tail = append(w.tail, p...)
	if over := len(w.tail) - w.max; over > 0 {
		w.tail = append([]byte(nil), w.tail[over:]...)
	}
}

func (w *lineWriter) String() string { return string(w.tail) }

// Tail returns at most n trailing bytes of the captured output.
func (w *lineWriter) Tail(n int) string {
	if len(w.tail) <= n {
		return string(w.tail)
	}
	return string(w.tail[len(w.tail)-n:])
}
