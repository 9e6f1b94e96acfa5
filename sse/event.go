// Copyright 2021-2022 The fluxcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sse reads and writes server-sent event streams
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ContentType is the content type of an event stream
const ContentType = "text/event-stream"

// ErrStopReading can be returned by an EventHandler to end ReadEvents without error
var ErrStopReading = errors.New("stop reading event stream")

// Event is one server-sent event
type Event struct {
	// ID is the optional event ID
	ID string
	// Event is the optional event type. Clients treat an empty type as "message".
	Event string
	// Data is the event payload. Each line is sent as its own "data:" field.
	Data []byte
}

// WriteEvent encode one event onto the stream
func WriteEvent(w io.Writer, event Event) error {
	buf := bytes.Buffer{}
	if event.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", event.ID)
	}
	if event.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event.Event)
	}
	for _, line := range bytes.Split(event.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteComment write a comment line, which clients ignore. Used for keep-alive.
func WriteComment(w io.Writer, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}

// EventHandler callback invoked for each complete event read from a stream
type EventHandler func(event Event) error

var (
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
	idPrefix    = []byte("id:")
	bomBytes    = []byte{0xEF, 0xBB, 0xBF}
)

// ReadEvents parse an event stream, calling the handler for each complete event.
//
// Reading stops when the stream ends, the handler returns an error, or a line is
// longer than maxLineSize. Incomplete trailing events are discarded.
func ReadEvents(r io.Reader, maxLineSize int, handler EventHandler) error {
	initialSize := 4096
	if maxLineSize < initialSize {
		initialSize = maxLineSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialSize), maxLineSize)

	var current Event
	dataBuf := bytes.Buffer{}
	for scanner.Scan() {
		line := bytes.TrimPrefix(scanner.Bytes(), bomBytes)
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case len(line) == 0:
			// Dispatch the event
			if dataBuf.Len() > 0 {
				current.Data = append([]byte{}, bytes.TrimSuffix(dataBuf.Bytes(), []byte("\n"))...)
				if err := handler(current); err != nil {
					if errors.Is(err, ErrStopReading) {
						return nil
					}
					return err
				}
			}
			current = Event{}
			dataBuf.Reset()
		case line[0] == ':':
			// Comment
		case bytes.HasPrefix(line, dataPrefix):
			dataBuf.Write(trimFieldValue(line[len(dataPrefix):]))
			dataBuf.WriteByte('\n')
		case bytes.HasPrefix(line, eventPrefix):
			current.Event = string(trimFieldValue(line[len(eventPrefix):]))
		case bytes.HasPrefix(line, idPrefix):
			current.ID = string(trimFieldValue(line[len(idPrefix):]))
		}
	}
	return scanner.Err()
}

// trimFieldValue drop the single optional space after the field colon
func trimFieldValue(value []byte) []byte {
	if len(value) > 0 && value[0] == ' ' {
		return value[1:]
	}
	return value
}
