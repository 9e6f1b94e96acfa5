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

package dataplane

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/fluxcast/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func readN(
	ctxt context.Context, sub Subscription[int], count int,
) ([]int, error) {
	result := []int{}
	for itr := 0; itr < count; itr++ {
		entity, err := sub.Next(ctxt)
		if err != nil {
			return result, err
		}
		result = append(result, entity)
	}
	return result, nil
}

func TestEventRelayOrderingAndReplay(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer utCtxtCancel()

	uut, err := GetEventRelay[int]("ut-ordering", BufferPolicy{Overflow: common.OverflowDropOldest})
	assert.Nil(err)
	defer uut.Close()

	// Case 0: publish with no subscriber
	uut.Publish(utCtxt, 0)
	assert.Equal(0, uut.SubscriberCount())

	// Case 1: subscriber sees publishes in order
	sub1, err := uut.Subscribe(utCtxt)
	assert.Nil(err)
	assert.Equal(1, uut.SubscriberCount())
	for itr := 1; itr <= 10; itr++ {
		uut.Publish(utCtxt, itr)
	}
	{
		received, err := readN(utCtxt, sub1, 10)
		assert.Nil(err)
		assert.Equal([]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, received)
	}

	// Case 2: late subscriber gets no history
	uut.Publish(utCtxt, 11)
	sub2, err := uut.Subscribe(utCtxt)
	assert.Nil(err)
	uut.Publish(utCtxt, 12)
	uut.Publish(utCtxt, 13)
	{
		received, err := readN(utCtxt, sub2, 2)
		assert.Nil(err)
		assert.Equal([]int{12, 13}, received)
	}
	{
		received, err := readN(utCtxt, sub1, 3)
		assert.Nil(err)
		assert.Equal([]int{11, 12, 13}, received)
	}

	// Case 3: nothing pending
	{
		ctxt, cancel := context.WithTimeout(utCtxt, time.Millisecond*50)
		defer cancel()
		_, err := sub2.Next(ctxt)
		assert.ErrorIs(err, context.DeadlineExceeded)
	}

	// Case 4: unsubscribe
	sub2.Close()
	assert.Equal(1, uut.SubscriberCount())
	uut.Publish(utCtxt, 14)
	{
		_, err := sub2.Next(utCtxt)
		assert.ErrorIs(err, ErrSubscriptionClosed)
		received, err := readN(utCtxt, sub1, 1)
		assert.Nil(err)
		assert.Equal([]int{14}, received)
	}
	// Closing again is harmless
	sub2.Close()
	uut.Unsubscribe(sub2)
	assert.Equal(1, uut.SubscriberCount())
}

func TestEventRelaySubscriberIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCtxtCancel()

	uut, err := GetEventRelay[int]("ut-isolation", BufferPolicy{Overflow: common.OverflowDropOldest})
	assert.Nil(err)
	defer uut.Close()

	fast, err := uut.Subscribe(utCtxt)
	assert.Nil(err)
	slow, err := uut.Subscribe(utCtxt)
	assert.Nil(err)

	total := 200
	expected := make([]int, total)
	for itr := 0; itr < total; itr++ {
		expected[itr] = itr
	}

	wg := sync.WaitGroup{}
	var fastRx, slowRx []int
	var fastErr, slowErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		fastRx, fastErr = readN(utCtxt, fast, total)
	}()
	go func() {
		defer wg.Done()
		for itr := 0; itr < total; itr++ {
			entity, err := slow.Next(utCtxt)
			if err != nil {
				slowErr = err
				return
			}
			slowRx = append(slowRx, entity)
			if itr%20 == 0 {
				time.Sleep(time.Millisecond * 5)
			}
		}
	}()

	// Publishing never waits on the slow subscriber
	start := time.Now()
	for itr := 0; itr < total; itr++ {
		uut.Publish(utCtxt, itr)
	}
	assert.Less(time.Since(start), time.Second)

	wg.Wait()
	assert.Nil(fastErr)
	assert.Nil(slowErr)
	assert.Equal(expected, fastRx)
	assert.Equal(expected, slowRx)
	assert.Equal(uint64(0), fast.Dropped())
	assert.Equal(uint64(0), slow.Dropped())
}

func TestEventRelayConcurrentDetach(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCtxtCancel()

	uut, err := GetEventRelay[int]("ut-detach", BufferPolicy{Overflow: common.OverflowDropOldest})
	assert.Nil(err)
	defer uut.Close()

	stable, err := uut.Subscribe(utCtxt)
	assert.Nil(err)

	total := 500
	wg := sync.WaitGroup{}

	// Subscribers attach and detach while publishes are in flight
	churnCtxt, churnCancel := context.WithCancel(utCtxt)
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for churnCtxt.Err() == nil {
				sub, err := uut.Subscribe(churnCtxt)
				if err != nil {
					return
				}
				readCtxt, readCancel := context.WithTimeout(churnCtxt, time.Millisecond)
				_, _ = sub.Next(readCtxt)
				readCancel()
				sub.Close()
				if _, err := sub.Next(churnCtxt); err != ErrSubscriptionClosed {
					assert.Failf("unexpected", "detached subscriber read returned %v", err)
				}
			}
		}()
	}

	var received []int
	var readErr error
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		received, readErr = readN(utCtxt, stable, total)
	}()

	for itr := 0; itr < total; itr++ {
		uut.Publish(utCtxt, itr)
	}
	<-readDone
	churnCancel()
	wg.Wait()

	assert.Nil(readErr)
	assert.Len(received, total)
	for itr, entity := range received {
		assert.Equal(itr, entity)
	}
	assert.Equal(1, uut.SubscriberCount())
}

func TestEventRelayBoundedBuffer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer utCtxtCancel()

	// Case 0: invalid policy
	{
		_, err := GetEventRelay[int]("ut-bounded", BufferPolicy{MaxBuffered: -1, Overflow: "drop-oldest"})
		assert.NotNil(err)
		_, err = GetEventRelay[int]("ut-bounded", BufferPolicy{Overflow: "unknown"})
		assert.NotNil(err)
	}

	type testCase struct {
		policy   string
		expected []int
		dropped  uint64
		finalErr error
	}
	cases := []testCase{
		{policy: common.OverflowDropOldest, expected: []int{3, 4, 5}, dropped: 2},
		{policy: common.OverflowDropNewest, expected: []int{1, 2, 3}, dropped: 2},
		{policy: common.OverflowCloseSubscriber, dropped: 1, finalErr: ErrSubscriberOverflow},
	}
	for _, oneCase := range cases {
		uut, err := GetEventRelay[int](
			fmt.Sprintf("ut-bounded-%s", oneCase.policy),
			BufferPolicy{MaxBuffered: 3, Overflow: oneCase.policy},
		)
		assert.Nil(err)
		sub, err := uut.Subscribe(utCtxt)
		assert.Nil(err)
		for itr := 1; itr <= 5; itr++ {
			uut.Publish(utCtxt, itr)
		}
		assert.Equal(oneCase.dropped, sub.Dropped(), oneCase.policy)
		if oneCase.finalErr != nil {
			_, err := sub.Next(utCtxt)
			assert.ErrorIs(err, oneCase.finalErr, oneCase.policy)
			assert.Equal(0, uut.SubscriberCount(), oneCase.policy)
		} else {
			received, err := readN(utCtxt, sub, 3)
			assert.Nil(err, oneCase.policy)
			assert.Equal(oneCase.expected, received, oneCase.policy)
			assert.Equal(1, uut.SubscriberCount(), oneCase.policy)
		}
		uut.Close()
	}
}

func TestEventRelayClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer utCtxtCancel()

	uut, err := GetEventRelay[string]("ut-close", BufferPolicy{Overflow: common.OverflowDropOldest})
	assert.Nil(err)

	sub, err := uut.Subscribe(utCtxt)
	assert.Nil(err)

	// A blocked reader is released on close
	readErr := make(chan error, 1)
	go func() {
		_, err := sub.Next(utCtxt)
		readErr <- err
	}()
	time.Sleep(time.Millisecond * 20)
	uut.Close()
	select {
	case err := <-readErr:
		assert.ErrorIs(err, ErrRelayClosed)
	case <-utCtxt.Done():
		assert.Fail("reader not released on relay close")
	}

	// Publish after close is silently discarded
	uut.Publish(utCtxt, "after-close")
	_, err = uut.Subscribe(utCtxt)
	assert.ErrorIs(err, ErrRelayClosed)
	assert.Equal(0, uut.SubscriberCount())
	uut.Close()
	sub.Close()
}
