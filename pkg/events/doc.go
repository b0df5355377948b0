/*
Package events provides an in-memory event broker for mscluster.

The broker fans cluster events out to any number of subscribers over buffered
channels. Membership changes (node.joined, node.left, node.isolated) are
mirrored here by the membership bus, and components raise operator alerts
through the same path:

	alert.zero_rows    a guarded registry update unexpectedly matched no row
	alert.self_fence   this process is about to fence itself
	node.marked_down   a scan declared a silent peer Down

Delivery is best effort. Publish blocks only while the broker's own 100-event
buffer is full; a subscriber whose 50-event buffer is full misses the event.
Every event receives a random UUID when published without an ID.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	for ev := range sub {
		if ev.IsAlert() {
			...
		}
	}
*/
package events
