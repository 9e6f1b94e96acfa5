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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/fluxcast/common"
	"github.com/alwitt/fluxcast/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestNATSBridge(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCtxtCancel()

	logTags := log.Fields{
		"module":    "dataplane_test",
		"component": "NATSBridge",
		"instance":  "basic",
	}

	serverOpts := natsserver.DefaultTestOptions
	serverOpts.Port = -1
	server := natsserver.RunServer(&serverOpts)
	defer server.Shutdown()

	// Define NATS connection params
	natsParam := core.NATSConnectParams{
		ServerURI:           server.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"Disconnect callback triggered with failure",
				)
			}
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Disconnected from NATs server")
		},
	}

	// Two instances, each with its own client, relay and bridge
	client1, err := core.GetNatsClient(natsParam)
	assert.Nil(err)
	defer client1.Close(utCtxt)
	client2, err := core.GetNatsClient(natsParam)
	assert.Nil(err)
	defer client2.Close(utCtxt)

	policy := BufferPolicy{Overflow: common.OverflowDropOldest}
	relay1, err := GetEventRelay[common.Customer]("ut-bridge-1", policy)
	assert.Nil(err)
	defer relay1.Close()
	relay2, err := GetEventRelay[common.Customer]("ut-bridge-2", policy)
	assert.Nil(err)
	defer relay2.Close()

	subjectPrefix := uuid.NewString()
	bridgeCtxt, bridgeCancel := context.WithCancel(utCtxt)
	defer bridgeCancel()
	uut1, err := GetNATSBridge[common.Customer](bridgeCtxt, client1, subjectPrefix, relay1)
	assert.Nil(err)
	uut2, err := GetNATSBridge[common.Customer](bridgeCtxt, client2, subjectPrefix, relay2)
	assert.Nil(err)

	// Case 0: not started
	assert.False(uut1.Ready())

	// Case 1: start
	assert.Nil(uut1.Start(&wg))
	assert.NotNil(uut1.Start(&wg))
	assert.Nil(uut2.Start(&wg))
	assert.True(uut1.Ready())
	assert.True(uut2.Ready())

	sub1, err := relay1.Subscribe(utCtxt)
	assert.Nil(err)
	defer sub1.Close()
	sub2, err := relay2.Subscribe(utCtxt)
	assert.Nil(err)
	defer sub2.Close()

	// Case 2: publish through instance 1 reaches both relays in order
	customers := []common.Customer{
		{ID: 1, CustomerParam: common.CustomerParam{FirstName: "Gildong", LastName: "Hong"}},
		{ID: 2, CustomerParam: common.CustomerParam{FirstName: "Ada", LastName: "Lovelace"}},
	}
	for _, oneCustomer := range customers {
		uut1.Publish(utCtxt, oneCustomer)
	}
	for _, sub := range []Subscription[common.Customer]{sub1, sub2} {
		for _, expected := range customers {
			received, err := sub.Next(utCtxt)
			assert.Nil(err)
			assert.Equal(expected, received)
		}
	}

	// Case 3: malformed payload is ignored
	assert.Nil(client2.NATs().Publish(defineBroadcastSubject(subjectPrefix), []byte("not-json")))
	third := common.Customer{
		ID: 3, CustomerParam: common.CustomerParam{FirstName: "Grace", LastName: "Hopper"},
	}
	uut2.Publish(utCtxt, third)
	for _, sub := range []Subscription[common.Customer]{sub1, sub2} {
		received, err := sub.Next(utCtxt)
		assert.Nil(err)
		assert.Equal(third, received)
	}

	// Case 4: stop forwarding
	bridgeCancel()
	wg.Wait()
	assert.False(uut1.Ready())

	// Case 5: with the NATS connection gone, local subscribers still receive
	server.Shutdown()
	assert.Eventually(func() bool {
		return client1.NATs().IsClosed()
	}, time.Second*5, time.Millisecond*10)
	fourth := common.Customer{
		ID: 4, CustomerParam: common.CustomerParam{FirstName: "Alan", LastName: "Turing"},
	}
	uut1.Publish(utCtxt, fourth)
	{
		lclCtxt, lclCancel := context.WithTimeout(utCtxt, time.Second)
		defer lclCancel()
		received, err := sub1.Next(lclCtxt)
		assert.Nil(err)
		assert.Equal(fourth, received)
	}
	{
		lclCtxt, lclCancel := context.WithTimeout(utCtxt, time.Millisecond*100)
		defer lclCancel()
		_, err := sub2.Next(lclCtxt)
		assert.ErrorIs(err, context.DeadlineExceeded)
	}
}
