// Package stream moves messages through Redis Streams.
//
// A Consumer reads one stream under a consumer group, hands each entry to a
// Handler on a bounded worker pool and acknowledges the entry once the
// handler returns, whether it succeeded, failed or panicked. A reclaim loop
// claims entries that another consumer left pending for longer than
// MinIdle, so a crashed process does not lose messages. Delivery is
// therefore at-least-once: an entry whose processing outlives MinIdle may
// run twice.
//
// A Producer appends JSON payloads under the "data" field. The engine uses
// one to write bot messages to the bot-originated stream and the emitter
// scheduler uses one to inject synthetic messages into the user-originated
// stream.
//
//	producer := stream.NewProducer(rdb, "dbcv:bot", 100_000)
//	consumer, err := stream.NewConsumer(stream.Deps{
//		Client:  rdb,
//		Role:    engine.RoleUser,
//		Config:  cfg.Streams.User,
//		Handler: dispatcher.Process,
//	})
//	if err != nil {
//		return err
//	}
//	return consumer.Run(ctx)
package stream
