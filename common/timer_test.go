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

package common

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestIntervalTimer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	// Case 0: invalid interval
	assert.NotNil(uut.Start(0, callback))

	// Case 1: periodic trigger
	assert.Nil(uut.Start(time.Millisecond*20, callback))
	assert.NotNil(uut.Start(time.Millisecond*20, callback))
	time.Sleep(time.Millisecond * 110)
	assert.Nil(uut.Stop())
	triggered := atomic.LoadInt32(&value)
	assert.GreaterOrEqual(triggered, int32(3))

	// Case 2: no trigger after stop
	time.Sleep(time.Millisecond * 60)
	assert.Equal(triggered, atomic.LoadInt32(&value))
	assert.Nil(uut.Stop())

	// Case 3: restart after stop
	assert.Nil(uut.Start(time.Millisecond*20, callback))
	time.Sleep(time.Millisecond * 50)
	assert.Greater(atomic.LoadInt32(&value), triggered)

	// Case 4: root context cancel ends the loop
	cancel()
	wg.Wait()
	assert.Nil(uut.Stop())
}
