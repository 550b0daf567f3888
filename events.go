/*
Copyright 2025 Fabrik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fabrik

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fabrikhq/fabrik/internal/notification"
	"github.com/fabrikhq/fabrik/model"
)

// EventPublisher delivers pipeline lifecycle events to interested consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event model.PipelineEvent) error
}

// WebhookPublisher delivers lifecycle events as webhook notification tasks.
// Delivery is asynchronous: events are enqueued and posted to the configured
// webhook endpoint by the worker pool.
type WebhookPublisher struct{}

func NewWebhookPublisher() *WebhookPublisher {
	return &WebhookPublisher{}
}

func (p *WebhookPublisher) Publish(_ context.Context, event model.PipelineEvent) error {
	return SendWebhook(NewWebhook{
		Event:   event.Event,
		Payload: event,
	})
}

// MemoryPublisher collects published events in memory. Used in tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []model.PipelineEvent
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, event model.PipelineEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of the events published so far.
func (p *MemoryPublisher) Events() []model.PipelineEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.PipelineEvent, len(p.events))
	copy(out, p.events)
	return out
}

// publishEvent publishes a lifecycle event without letting delivery failures
// interrupt the operation that produced the event.
func (f *Fabrik) publishEvent(ctx context.Context, event model.PipelineEvent) {
	if f.events == nil {
		return
	}
	if err := f.events.Publish(ctx, event); err != nil {
		notification.NotifyError(err)
		logrus.Warnf("failed to publish event %s for pipeline %s: %v", event.Event, event.PipelineID, err)
	}
}
