// Package gateway turns transport callbacks into routed commands.
//
// CommandGateway owns the per-stream lifecycle and dispatches every command
// a client sends: it waits for the broker to become ready, authenticates the
// caller unless the stream is privileged, and then either handles the
// command itself (Connect, Subscribe, Unsubscribe, ServiceMetaData) or
// forwards it through the router.
//
// FetchGateway answers queries by forwarding a GetData command to the
// data-access service and waiting for its correlated reply.
//
// Neither gateway returns errors to the transport. Every call yields a
// well-formed *command.Response; failures and recovered panics become
// BadRequest responses carrying the failure message.
package gateway
