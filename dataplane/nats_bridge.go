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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/fluxcast/core"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// defineBroadcastSubject helper function to define the NATS subject entities are broadcast on
func defineBroadcastSubject(prefix string) string {
	return fmt.Sprintf("%s.created", prefix)
}

// NATSBridge extends an EventRelay across service instances.
//
// Publish sends the entity on a NATS subject. Every bridge listening on that subject,
// including the sender, forwards what it receives into its local relay.
type NATSBridge[T any] interface {
	Publisher[T]
	// Start begin forwarding entities received through NATS into the local relay.
	// Forwarding stops when the context used to define the bridge ends.
	Start(wg *sync.WaitGroup) error
	// Ready whether the bridge is able to send and receive
	Ready() bool
}

// natsBridgeImpl implements NATSBridge
type natsBridgeImpl[T any] struct {
	goutils.Component
	subject string
	nats    *core.NatsClient
	local   Publisher[T]
	ctxt    context.Context
	lock    sync.Mutex
	sub     *nats.Subscription
}

// GetNATSBridge define a new NATSBridge which feeds the local relay
func GetNATSBridge[T any](
	ctxt context.Context, natsClient *core.NatsClient, subjectPrefix string, local Publisher[T],
) (NATSBridge[T], error) {
	subject := defineBroadcastSubject(subjectPrefix)
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "nats-bridge",
		"subject":   subject,
	}
	if natsClient == nil || local == nil {
		return nil, fmt.Errorf("NATS bridge requires a NATS client and a local relay")
	}
	return &natsBridgeImpl[T]{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		subject: subject,
		nats:    natsClient,
		local:   local,
		ctxt:    ctxt,
	}, nil
}

// Start begin forwarding entities received through NATS into the local relay
func (b *natsBridgeImpl[T]) Start(wg *sync.WaitGroup) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.sub != nil {
		return fmt.Errorf("already subscribed to %s", b.subject)
	}
	sub, err := b.nats.NATs().Subscribe(b.subject, func(msg *nats.Msg) {
		var entity T
		if err := json.Unmarshal(msg.Data, &entity); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Failed to parse broadcast: %s", msg.Data,
			)
			return
		}
		b.local.Publish(b.ctxt, entity)
	})
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to subscribe to broadcast subject")
		return err
	}
	// The subscription must be registered with the server before any publish is
	// expected to loop back.
	if err := b.nats.NATs().Flush(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to flush subscription")
		_ = sub.Unsubscribe()
		return err
	}
	b.sub = sub
	log.WithFields(b.LogTags).Info("Forwarding broadcasts into local relay")
	// Automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-b.ctxt.Done()
		b.lock.Lock()
		defer b.lock.Unlock()
		if err := b.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			log.WithError(err).WithFields(b.LogTags).Error("Failed to unsubscribe from broadcast subject")
		}
		log.WithFields(b.LogTags).Info("Stopped forwarding broadcasts")
	}()
	return nil
}

// Publish send the entity to every bridge on the subject. If the send fails, the
// entity is delivered to the local relay alone.
func (b *natsBridgeImpl[T]) Publish(ctxt context.Context, entity T) {
	localLogTags := b.GetLogTagsForContext(ctxt)
	payload, err := json.Marshal(&entity)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to serialize entity for broadcast")
		return
	}
	if err := b.nats.NATs().Publish(b.subject, payload); err != nil {
		// Nothing went out on the subject, so local subscribers would never see it
		log.WithError(err).WithFields(localLogTags).Error(
			"Failed to send broadcast, delivering to local relay only",
		)
		b.local.Publish(ctxt, entity)
		return
	}
	log.WithFields(localLogTags).Debugf("Sent broadcast on %s", b.subject)
}

// Ready whether the bridge is able to send and receive
func (b *natsBridgeImpl[T]) Ready() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.sub != nil && b.sub.IsValid() && b.nats.Connected()
}
