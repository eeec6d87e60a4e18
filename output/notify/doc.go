// Package notify pushes channel activity to live viewers.
//
// Every message the dispatcher handles, user or bot originated, is wrapped
// in an Event and handed to a Sink. Delivery is best effort: a failing sink
// is logged by the caller and never blocks the conversation.
//
// Two sinks are provided. NATSSink publishes on "<prefix>.<channel_id>"
// over core NATS, so a gateway can subscribe to "<prefix>.>" and fan out
// to websocket clients. HTTPSink posts the event to a webhook with a small
// retry budget. Multi combines several sinks.
//
//	sink := notify.Multi(
//		notify.NewNATSSink(natsClient, notify.Config{}, metrics, logger),
//		notify.NewHTTPSink(notify.HTTPConfig{URL: "https://viewer.local/hook"}, metrics, logger),
//	)
//	dispatcher := engine.NewDispatcher(executor, data, sink, metrics, logger)
package notify
