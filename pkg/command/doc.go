// Package command defines the messages exchanged between clients, services
// and the broker gateway.
//
// The package provides:
//   - Command: the routed unit of work, addressed by topic
//   - Payload: a typed, CBOR-encoded entry in a command's data list
//   - Models: Principal, ServiceMetaData, SubscriptionMessage, FetchRequest, ErrorModel
//   - Response: the result the gateway hands back to the transport
//
// Commands are dispatched on their Kind, which is decoded once from the
// topic and command type:
//
//	switch cmd.Kind() {
//	case command.KindConnect:
//		var p command.Principal
//		if err := cmd.DecodeFirst(&p); err != nil {
//			return command.BadRequest(err)
//		}
//		...
//	case command.KindForward:
//		router.ForwardByTopic(cmd, cmd.EffectiveTopic())
//	}
//
// A topic may be suffixed with "/{targetId}" for point-to-point addressing;
// EffectiveTopic applies the suffix when TargetID is set.
package command
