// Package routingtable defines the Subscription Router contract the gateway
// depends on.
//
// This package defines the core abstractions:
//   - Stream: a connected client or service with an outbound delivery queue
//   - Router: stream registry, topic subscriptions, fan-out and correlation
//
// The router provides two flavors of forwarding:
//   - ForwardByTopic: fire-and-forget fan-out to every stream subscribed to a topic
//   - ForwardByTopicAndWaitForResponse: fan-out tagged with a fresh correlation id,
//     resolving when the first reply carrying that id arrives or the timeout expires
//
// Example usage:
//
//	// Register a newly connected stream and subscribe it
//	if err := router.RegisterStream(stream, stream.ID()); err != nil {
//		return err
//	}
//	router.SubscribeToTopic(stream.ID(), "orders/*")
//
//	// Await a correlated reply from whichever service answers "GetData"
//	reply, err := router.ForwardByTopicAndWaitForResponse(ctx, brokerID, cmd, "GetData", 10*time.Second)
//	if errors.Is(err, routingtable.ErrNoResponse) {
//		// timed out or nobody answered
//	}
//
// Topic Patterns:
//   - Topics are "/"-separated; "chat/device-7" addresses a single target
//   - "*" in a subscription matches exactly one segment
//   - "chat/*" matches "chat/device-7" but not "chat" or "chat/a/b"
package routingtable
