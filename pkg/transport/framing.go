// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport moves length-framed messages over a byte stream.
//
// Frames use the LSP base protocol:
//
//	Content-Length: 52\r\n
//	\r\n
//	{"jsonrpc":"2.0","id":1,"method":"kaiak/generate_fix"}
//
// The package has no knowledge of JSON-RPC; it only delivers complete bodies.
package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

const (
	headerContentLength = "Content-Length"

	// DefaultMaxMessageBytes bounds a single frame body.
	DefaultMaxMessageBytes = 16 << 20

	maxHeaderLineBytes = 4096
)

// FramingError reports a corrupt or truncated frame. It is fatal to the
// connection that produced it.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing error: %s: %v", e.Reason, e.Err)
	}
	return "framing error: " + e.Reason
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// IsFramingError reports whether err is (or wraps) a FramingError.
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// Reader reads Content-Length framed messages.
// A Reader is not safe for concurrent use; each connection has one reader goroutine.
type Reader struct {
	r        *bufio.Reader
	maxBytes int
}

// NewReader wraps r. maxBytes <= 0 selects DefaultMaxMessageBytes.
func NewReader(r io.Reader, maxBytes int) *Reader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Reader{
		r:        bufio.NewReader(r),
		maxBytes: maxBytes,
	}
}

// Read returns the next frame body.
// It returns io.EOF only when the stream ends cleanly between frames.
func (r *Reader) Read() ([]byte, error) {
	length := -1
	sawHeader := false

	for {
		line, err := r.readHeaderLine()
		if err != nil {
			if errors.Is(err, io.EOF) && !sawHeader && line == "" {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, &FramingError{Reason: "unexpected end of stream in header", Err: io.ErrUnexpectedEOF}
			}
			var fe *FramingError
			if errors.As(err, &fe) {
				return nil, err
			}
			return nil, &FramingError{Reason: "read header", Err: err}
		}

		if line == "" {
			if !sawHeader {
				// Tolerate stray blank lines between frames.
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &FramingError{Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		if !strings.EqualFold(strings.TrimSpace(name), headerContentLength) {
			continue
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", strings.TrimSpace(value))}
		}
		length = n
	}

	if length < 0 {
		return nil, &FramingError{Reason: "missing Content-Length header"}
	}
	if length > r.maxBytes {
		return nil, &FramingError{Reason: fmt.Sprintf("message of %d bytes exceeds limit of %d", length, r.maxBytes)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &FramingError{Reason: "truncated body", Err: err}
	}
	return body, nil
}

// readHeaderLine reads one header line without its CRLF terminator.
func (r *Reader) readHeaderLine() (string, error) {
	var buf bytes.Buffer
	for {
		chunk, isPrefix, err := r.r.ReadLine()
		buf.Write(chunk)
		if buf.Len() > maxHeaderLineBytes {
			return "", &FramingError{Reason: "header line too long"}
		}
		if err != nil {
			return buf.String(), err
		}
		if !isPrefix {
			return buf.String(), nil
		}
	}
}

// Writer writes Content-Length framed messages. It is safe for concurrent
// use; each frame is written with a single call to the underlying writer.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write frames body and writes it.
func (w *Writer) Write(body []byte) error {
	frame := make([]byte, 0, len(body)+32)
	frame = append(frame, headerContentLength...)
	frame = append(frame, ": "...)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, "\r\n\r\n"...)
	frame = append(frame, body...)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if f, ok := w.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
	}
	return nil
}
