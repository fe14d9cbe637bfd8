package execution

import (
	"sync"
	"time"
)

const logBuffer = 64

// Stream delivers the log chunks of one execution followed by its single Result.
// Logs is closed before Result returns. Chunks still unread when Result is called are
// discarded. A stream ended by Fail has no outcome; Err reports why.
type Stream struct {
	id   string
	logs chan LogChunk
	done chan struct{}

	mu     sync.Mutex
	seq    uint64
	closed bool
	result Result
	err    error
}

// NewStream returns an open stream. Producers outside this package (the remote client)
// use Emit, Finish and Fail.
func NewStream(id string) *Stream {
	return &Stream{
		id:   id,
		logs: make(chan LogChunk, logBuffer),
		done: make(chan struct{}),
	}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Logs() <-chan LogChunk { return s.logs }

// Result blocks until the execution has finished.
func (s *Stream) Result() Result {
	for range s.logs {
	}
	<-s.done
	return s.result
}

// Done is closed once the result is available.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Emit appends a chunk with the next sequence number. Seq assignment and delivery happen
// under one lock so chunks arrive in emission order.
func (s *Stream) Emit(source Source, level Level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	s.logs <- LogChunk{Seq: s.seq, Source: source, Level: level, Message: message, Time: time.Now().UTC()}
}

// Forward re-emits a chunk produced elsewhere, keeping its time but renumbering it.
func (s *Stream) Forward(chunk LogChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.seq++
	chunk.Seq = s.seq
	s.logs <- chunk
}

// Finish closes the log channel and publishes the result. Later calls are ignored.
func (s *Stream) Finish(res Result) {
	s.end(res, nil)
}

// Fail ends the stream without an outcome because the machinery carrying the execution
// broke. Result then returns an empty outcome and Err returns err.
func (s *Stream) Fail(err error) {
	s.end(Result{ExitCode: -1}, err)
}

// Err returns the error passed to Fail. It is nil until Done is closed and for streams
// that finished with a result.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Stream) end(res Result, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.logs)
	s.mu.Unlock()
	if res.ExecutionID == "" {
		res.ExecutionID = s.id
	}
	s.result = res
	s.err = err
	close(s.done)
}

// Collect drains the stream and returns every chunk and the result.
func Collect(s *Stream) ([]LogChunk, Result) {
	var chunks []LogChunk
	for chunk := range s.Logs() {
		chunks = append(chunks, chunk)
	}
	return chunks, s.Result()
}
