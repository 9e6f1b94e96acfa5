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
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/fluxcast/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	// ErrRelayClosed the relay no longer accepts subscriptions
	ErrRelayClosed = errors.New("event relay closed")
	// ErrSubscriptionClosed the subscription was detached from the relay
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrSubscriberOverflow the subscription was detached because its buffer overflowed
	ErrSubscriberOverflow = errors.New("subscriber buffer overflow")
)

// BufferPolicy controls how entities are buffered for a slow subscriber
type BufferPolicy struct {
	// MaxBuffered is the max number of entities buffered per subscriber. Zero is unbounded.
	MaxBuffered int `validate:"gte=0"`
	// Overflow is the action taken when a bounded buffer is full
	Overflow string `validate:"required,oneof=drop-oldest drop-newest close-subscriber"`
}

// Publisher accepts entities for broadcast
type Publisher[T any] interface {
	// Publish enqueue an entity for delivery to all currently attached subscribers.
	//
	// This never blocks on a subscriber, and never reports a failure to the caller.
	Publish(ctxt context.Context, entity T)
}

// Subscription is one delivery path from an EventRelay
type Subscription[T any] interface {
	// ID the subscription ID
	ID() string
	// Next wait for the next entity published after the subscription was created
	Next(ctxt context.Context) (T, error)
	// Dropped number of entities discarded because of buffer overflow
	Dropped() uint64
	// Close detach from the relay. Undelivered entities are discarded.
	Close()
}

// EventRelay in-process multicast broadcast of entities to any number of subscribers
type EventRelay[T any] interface {
	Publisher[T]
	// Subscribe attach a new subscriber. Entities published before this call are
	// never delivered to it.
	Subscribe(ctxt context.Context) (Subscription[T], error)
	// Unsubscribe detach a subscriber
	Unsubscribe(sub Subscription[T])
	// SubscriberCount number of currently attached subscribers
	SubscriberCount() int
	// Close detach all subscribers and stop accepting new ones. Later publishes
	// are discarded.
	Close()
}

// eventRelayImpl implements EventRelay
type eventRelayImpl[T any] struct {
	goutils.Component
	policy      BufferPolicy
	lock        sync.Mutex
	closed      bool
	subscribers map[string]*subscriptionImpl[T]
}

// GetEventRelay define a new EventRelay
func GetEventRelay[T any](name string, policy BufferPolicy) (EventRelay[T], error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "event-relay", "instance": name,
	}
	if err := validator.New().Struct(&policy); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay buffer policy")
		return nil, err
	}
	return &eventRelayImpl[T]{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		policy:      policy,
		subscribers: make(map[string]*subscriptionImpl[T]),
	}, nil
}

// BufferPolicyFromConfig convert relay config into a BufferPolicy
func BufferPolicyFromConfig(config common.RelayConfig) BufferPolicy {
	return BufferPolicy{
		MaxBuffered: config.MaxBufferedPerSubscriber, Overflow: config.OverflowPolicy,
	}
}

// Publish enqueue an entity for delivery to all currently attached subscribers
func (r *eventRelayImpl[T]) Publish(ctxt context.Context, entity T) {
	localLogTags := r.GetLogTagsForContext(ctxt)
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		log.WithFields(localLogTags).Debug("Relay closed, discarding publish")
		return
	}
	// Fan-out happens under the registry lock so every subscriber observes the
	// same publish order.
	for id, sub := range r.subscribers {
		if !sub.enqueue(entity) {
			delete(r.subscribers, id)
		}
	}
	log.WithFields(localLogTags).Debugf("Published to %d subscribers", len(r.subscribers))
}

// Subscribe attach a new subscriber
func (r *eventRelayImpl[T]) Subscribe(ctxt context.Context) (Subscription[T], error) {
	localLogTags := r.GetLogTagsForContext(ctxt)
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return nil, ErrRelayClosed
	}
	id := uuid.NewString()
	subLogTags := log.Fields{}
	for k, v := range localLogTags {
		subLogTags[k] = v
	}
	subLogTags["subscription"] = id
	sub := &subscriptionImpl[T]{
		id:      id,
		relay:   r,
		policy:  r.policy,
		logTags: subLogTags,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	r.subscribers[id] = sub
	log.WithFields(subLogTags).Debugf("Attached subscriber (%d total)", len(r.subscribers))
	return sub, nil
}

// Unsubscribe detach a subscriber
func (r *eventRelayImpl[T]) Unsubscribe(sub Subscription[T]) {
	r.lock.Lock()
	registered, ok := r.subscribers[sub.ID()]
	if ok {
		delete(r.subscribers, sub.ID())
	}
	remaining := len(r.subscribers)
	r.lock.Unlock()
	if !ok {
		return
	}
	registered.detach(ErrSubscriptionClosed)
	log.WithFields(registered.logTags).Debugf("Detached subscriber (%d remaining)", remaining)
}

// SubscriberCount number of currently attached subscribers
func (r *eventRelayImpl[T]) SubscriberCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.subscribers)
}

// Close detach all subscribers and stop accepting new ones
func (r *eventRelayImpl[T]) Close() {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return
	}
	r.closed = true
	subscribers := r.subscribers
	r.subscribers = make(map[string]*subscriptionImpl[T])
	r.lock.Unlock()
	for _, sub := range subscribers {
		sub.detach(ErrRelayClosed)
	}
	log.WithFields(r.LogTags).Infof("Relay closed, detached %d subscribers", len(subscribers))
}

// ==============================================================================

// subscriptionImpl implements Subscription
type subscriptionImpl[T any] struct {
	id      string
	relay   *eventRelayImpl[T]
	policy  BufferPolicy
	logTags log.Fields

	lock     sync.Mutex
	queue    []T
	dropped  uint64
	detached bool
	closeErr error
	// signal holds at most one pending wake-up for Next
	signal chan struct{}
	// done is closed once the subscription is detached
	done chan struct{}
}

// ID the subscription ID
func (s *subscriptionImpl[T]) ID() string {
	return s.id
}

// enqueue buffer an entity for this subscriber. Returns false if the subscriber
// should no longer be registered with the relay.
func (s *subscriptionImpl[T]) enqueue(entity T) bool {
	s.lock.Lock()
	if s.detached {
		s.lock.Unlock()
		return false
	}
	if s.policy.MaxBuffered > 0 && len(s.queue) >= s.policy.MaxBuffered {
		s.dropped++
		switch s.policy.Overflow {
		case common.OverflowDropOldest:
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			log.WithFields(s.logTags).Warnf(
				"Buffer full (%d), dropped oldest entity", s.policy.MaxBuffered,
			)
		case common.OverflowDropNewest:
			s.lock.Unlock()
			log.WithFields(s.logTags).Warnf(
				"Buffer full (%d), dropped newest entity", s.policy.MaxBuffered,
			)
			return true
		default:
			s.lock.Unlock()
			log.WithFields(s.logTags).Warnf(
				"Buffer full (%d), closing subscriber", s.policy.MaxBuffered,
			)
			s.detach(ErrSubscriberOverflow)
			return false
		}
	}
	s.queue = append(s.queue, entity)
	s.lock.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// detach mark the subscription as detached and discard what is still buffered
func (s *subscriptionImpl[T]) detach(reason error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.detached {
		return
	}
	s.detached = true
	s.closeErr = reason
	s.queue = nil
	close(s.done)
}

// Next wait for the next entity published after the subscription was created
func (s *subscriptionImpl[T]) Next(ctxt context.Context) (T, error) {
	var zero T
	for {
		s.lock.Lock()
		if s.detached {
			err := s.closeErr
			s.lock.Unlock()
			return zero, err
		}
		if len(s.queue) > 0 {
			entity := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.lock.Unlock()
			return entity, nil
		}
		s.lock.Unlock()
		select {
		case <-s.signal:
		case <-s.done:
		case <-ctxt.Done():
			return zero, fmt.Errorf("waiting for next entity: %w", ctxt.Err())
		}
	}
}

// Dropped number of entities discarded because of buffer overflow
func (s *subscriptionImpl[T]) Dropped() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.dropped
}

// Close detach from the relay
func (s *subscriptionImpl[T]) Close() {
	s.relay.Unsubscribe(s)
}
