/*
Package events publishes lifecycle events of tracked services.

The Broker is an in-process fan-out: the scheduler publishes, subscribers
receive on buffered channels. Publishing never blocks the caller. When the
broker queue is full the event is dropped and counted, and a slow subscriber
misses events rather than slowing everybody else down.

	scheduler ──Publish──▶ Broker ──▶ Subscriber (Forwarder) ──▶ NATS
	                              └──▶ Subscriber (tests, tools)

Event types:

  - service.added: a service started being tracked
  - service.marked_for_removal: removal was requested
  - service.failing: an observation failed; the message carries the code
  - service.frozen: saving state failed, manual intervention required
  - service.removed: teardown finished and tracking stopped
  - service.observation_toggled: observation was disabled or enabled

The Forwarder sends every event as JSON to NATS on <prefix>.<type>, so
other systems can follow service lifecycles without polling.
*/
package events
