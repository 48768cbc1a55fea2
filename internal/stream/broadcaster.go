// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

// Package stream fans fresh readings out to live subscribers, one
// bounded queue per websocket client.
package stream

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hootrhino/pyrowatch/internal/model"
)

// queueSize bounds each subscriber queue. A browser chart a minute
// behind is useless, so the queue stays small and sheds the oldest.
const queueSize = 64

// Subscription is one subscriber's handle. Close is idempotent and may
// race with Publish.
type Subscription struct {
	id string
	ch chan model.Reading
	b  *Broadcaster
}

// Events yields readings in publish order. The channel closes when the
// subscription or the broadcaster shuts down.
func (s *Subscription) Events() <-chan model.Reading {
	return s.ch
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Close() {
	s.b.unsubscribe(s.id)
}

// Broadcaster delivers each published reading to every subscriber
// without ever blocking on one. Slow consumers lose their OLDEST queued
// events first, so a lagging chart converges on current data instead of
// being disconnected.
type Broadcaster struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[string]chan model.Reading
}

func NewBroadcaster(log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		log:  log.Named("stream"),
		subs: make(map[string]chan model.Reading),
	}
}

// Subscribe registers a new subscriber with a fresh queue.
func (b *Broadcaster) Subscribe() *Subscription {
	id := uuid.NewString()
	ch := make(chan model.Reading, queueSize)
	b.mu.Lock()
	b.subs[id] = ch
	n := len(b.subs)
	b.mu.Unlock()
	b.log.Debug("subscriber joined", zap.String("id", id), zap.Int("subscribers", n))
	return &Subscription{id: id, ch: ch, b: b}
}

func (b *Broadcaster) unsubscribe(id string) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		close(ch)
	}
	n := len(b.subs)
	b.mu.Unlock()
	if ok {
		b.log.Debug("subscriber left", zap.String("id", id), zap.Int("subscribers", n))
	}
}

// Publish hands r to every subscriber queue. On a full queue the oldest
// pending event is evicted to make room. Never blocks, never touches
// subscriber I/O. Channels only close under the write lock, so sending
// under the read lock is safe.
func (b *Broadcaster) Publish(r model.Reading) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- r:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- r:
		default:
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// CloseAll disconnects every subscriber. Used on shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}
