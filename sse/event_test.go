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

package sse

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventEncode(t *testing.T) {
	assert := assert.New(t)

	type testCase struct {
		event    Event
		expected string
	}
	cases := []testCase{
		{event: Event{}, expected: "data: \n\n"},
		{event: Event{Data: []byte("foo")}, expected: "data: foo\n\n"},
		{event: Event{Data: []byte("foo\nbar")}, expected: "data: foo\ndata: bar\n\n"},
		{event: Event{Event: "error", Data: []byte("foo")}, expected: "event: error\ndata: foo\n\n"},
		{
			event:    Event{ID: "12", Event: "customer", Data: []byte(`{"id":12}`)},
			expected: "id: 12\nevent: customer\ndata: {\"id\":12}\n\n",
		},
	}
	for _, oneCase := range cases {
		buf := bytes.Buffer{}
		assert.Nil(WriteEvent(&buf, oneCase.event))
		assert.Equal(oneCase.expected, buf.String())
	}

	buf := bytes.Buffer{}
	assert.Nil(WriteComment(&buf, "keep-alive"))
	assert.Equal(": keep-alive\n\n", buf.String())
}

func TestEventRoundTrip(t *testing.T) {
	assert := assert.New(t)

	sent := []Event{
		{ID: "1", Data: []byte(`{"id":1}`)},
		{ID: "2", Event: "customer", Data: []byte("multi\nline")},
		{Event: "error", Data: []byte("overflow")},
	}
	stream := bytes.Buffer{}
	for itr, oneEvent := range sent {
		assert.Nil(WriteEvent(&stream, oneEvent))
		assert.Nil(WriteComment(&stream, fmt.Sprintf("keep-alive %d", itr)))
	}
	// Incomplete trailing event is discarded
	stream.WriteString("data: partial")

	received := []Event{}
	assert.Nil(ReadEvents(&stream, 1024, func(event Event) error {
		received = append(received, event)
		return nil
	}))
	assert.Equal(sent, received)
}

func TestEventReadControl(t *testing.T) {
	assert := assert.New(t)

	input := "\xEF\xBB\xBFdata:a\r\n\r\nid: 7\ndata: b\n\ndata: c\n\n"

	// Case 0: stop early
	{
		received := []string{}
		assert.Nil(ReadEvents(strings.NewReader(input), 1024, func(event Event) error {
			received = append(received, string(event.Data))
			if len(received) == 2 {
				return ErrStopReading
			}
			return nil
		}))
		assert.Equal([]string{"a", "b"}, received)
	}

	// Case 1: handler failure
	{
		err := ReadEvents(strings.NewReader(input), 1024, func(event Event) error {
			return fmt.Errorf("dummy error")
		})
		assert.NotNil(err)
	}

	// Case 2: line too long
	{
		long := fmt.Sprintf("data: %s\n\n", strings.Repeat("x", 256))
		err := ReadEvents(strings.NewReader(long), 64, func(event Event) error {
			return nil
		})
		assert.NotNil(err)
	}
}
