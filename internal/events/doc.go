// Package events fans gateway events out to subscribed connections.
//
// Delivery is ordered per topic: a mutex on each topic is held across the
// full delivery loop, so every subscriber observes that topic's events in
// publish-call order, each stamped with the topic's next monotonic id.
// Cross-topic ordering is unspecified.
//
// Subscriber queues are bounded. A subscriber whose queue stays full past
// the grace period is dropped from all topics and reported through the
// slow-consumer callback; one stalled client never delays the rest.
package events
