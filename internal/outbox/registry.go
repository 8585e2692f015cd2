package outbox

import (
	"fmt"
	"sort"

	"github.com/osa-io/osa/internal/domain"
)

// Subscription binds one consumer group to one event type. Group names are
// unique across the registry: a group is a worker identity, and each worker
// handles exactly one event type.
type Subscription struct {
	EventType     string
	ConsumerGroup string
}

// SubscriptionRegistry maps event types to their subscribed consumer
// groups. Built once at startup from the handler list and immutable
// afterwards; Append consults it to fan out delivery rows.
type SubscriptionRegistry struct {
	byType map[string][]string
	groups map[string]string // group -> event type
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		byType: make(map[string][]string),
		groups: make(map[string]string),
	}
}

// Subscribe registers a consumer group for an event type. Unknown event
// types and duplicate group names are configuration errors.
func (r *SubscriptionRegistry) Subscribe(eventType, consumerGroup string) error {
	if !domain.KnownEventType(eventType) {
		return fmt.Errorf("%w: unknown event type %q", domain.ErrConfiguration, eventType)
	}

	if consumerGroup == "" {
		return fmt.Errorf("%w: consumer group cannot be empty", domain.ErrConfiguration)
	}

	if existing, ok := r.groups[consumerGroup]; ok {
		return fmt.Errorf("%w: consumer group %q already subscribed to %q", domain.ErrConfiguration, consumerGroup, existing)
	}

	r.groups[consumerGroup] = eventType
	r.byType[eventType] = append(r.byType[eventType], consumerGroup)

	return nil
}

// GroupsFor returns the consumer groups subscribed to an event type. An
// event type with no subscribers yields nil; Append then writes the event
// row but no deliveries.
func (r *SubscriptionRegistry) GroupsFor(eventType string) []string {
	return r.byType[eventType]
}

// Subscriptions returns every registered (event type, group) pair, sorted
// for stable iteration.
func (r *SubscriptionRegistry) Subscriptions() []Subscription {
	subs := make([]Subscription, 0, len(r.groups))
	for group, eventType := range r.groups {
		subs = append(subs, Subscription{EventType: eventType, ConsumerGroup: group})
	}

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].EventType != subs[j].EventType {
			return subs[i].EventType < subs[j].EventType
		}

		return subs[i].ConsumerGroup < subs[j].ConsumerGroup
	})

	return subs
}
