// Package messaging is the platform's resilient asynchronous
// messaging layer. Backend services use it to exchange events over a
// shared AMQP broker with at-least-once delivery, per-routing-key
// ordering, bounded retries, and dead-letter routing.
//
// A service constructs a Client from environment configuration,
// publishes through Client.Publisher, and registers a handler for the
// routing-key patterns it consumes:
//
//	cfg := messaging.LoadConfig()
//	client, err := messaging.NewClient(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	go client.StartConsuming(ctx, []string{"payment.completed.#"}, handle)
//	go client.StartDeadLetterConsumer(ctx)
//
//	err = client.Publisher().Publish(ctx, contracts.NewEnvelope(
//		"booking.confirmed.v1", payload,
//	))
//
// Idempotent consumers are assumed at the business layer: a handler
// may see the same message more than once.
package messaging
