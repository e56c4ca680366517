/*
Package events provides an in-process publish/subscribe broker for task and
mirror lifecycle events.

The task engine publishes task.created, task.completed, task.failed and
task.cancelled. The reconciler publishes volume.discovered, volume.retired,
volume.deleted and reconcile.skipped. Subscribers receive events on a
buffered channel:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			logger.Info().Str("type", string(ev.Type)).Msg("event")
		}
	}()

Delivery is best effort. Publish never blocks: a full broker queue drops
the event and increments Dropped, and a full subscriber buffer skips that
subscriber. Events are notifications only; the durable state lives in the
store.
*/
package events
