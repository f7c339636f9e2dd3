// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// AsyncLogger decouples a backend's log calls from the latency of the
// underlying writer (typically a lumberjack.Logger doing file I/O and
// rotation) by handing each write off to a single background goroutine
// over a bounded channel. A backend that is holding a spinlock or lwlock
// must never block on log I/O, so when the channel is full the message is
// dropped rather than the caller stalling.
type AsyncLogger struct {
	writer   io.Writer
	messages chan []byte
	done     chan struct{}
	closeErr error
	once     sync.Once
}

// NewAsyncLogger starts the background writer goroutine and returns a
// logger ready to accept writes. bufferSize is the number of pending
// messages the channel holds before new writes are dropped.
func NewAsyncLogger(w io.Writer, bufferSize int) *AsyncLogger {
	l := &AsyncLogger{
		writer:   w,
		messages: make(chan []byte, bufferSize),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *AsyncLogger) run() {
	defer close(l.done)
	for msg := range l.messages {
		if _, err := l.writer.Write(msg); err != nil {
			fmt.Fprintf(os.Stderr, "asynclogger: write failed: %v\n", err)
		}
	}
}

// Write implements io.Writer. p is copied before queuing, since the
// caller (commonly fmt.Fprintln) may reuse its buffer.
func (l *AsyncLogger) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case l.messages <- buf:
	default:
		fmt.Fprint(os.Stderr, "asynclogger: log buffer is full, dropping message.\n")
	}
	return len(p), nil
}

// Close drains any queued messages, stops the background goroutine, and
// closes the underlying writer if it implements io.Closer.
func (l *AsyncLogger) Close() error {
	l.once.Do(func() {
		close(l.messages)
		<-l.done
		if closer, ok := l.writer.(io.Closer); ok {
			l.closeErr = closer.Close()
		}
	})
	return l.closeErr
}
