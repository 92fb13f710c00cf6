// Package broker provides the interface of a meshgate broker node.
//
// A broker node owns one process's share of the mesh:
//   - the subscription router every connected stream is registered with
//   - the token cache and its revalidation sweep
//   - the command and fetch gateways the transport dispatches to
//   - optionally the in-process auth service (local auth mode)
//
// Lifecycle:
//  1. New builds every component without starting anything
//  2. Start attaches the auth service, starts the token sweep and the gRPC
//     listener, and only then marks the gateways ready
//  3. Stop reverses the order; Close also releases the router
//
// Example usage:
//
//	node, err := broker.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer node.Close()
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
package broker
