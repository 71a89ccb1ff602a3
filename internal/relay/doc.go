// Package relay implements the downstream side of the market relay.
//
// A Manager owns each accepted connection and its outbound queue, and
// turns subscribe/unsubscribe frames into registry updates. The first
// subscriber of a key starts its refresh work (a poll task or an upstream
// intent); the last one to leave stops it. A Dispatcher fans poll results
// to the subscribers of one key and upstream frames to every subscribed
// connection.
//
// Relay wires these together and exposes the startup surface:
// Initialize(listener), ConnectUpstream(ctx) and Shutdown(ctx).
package relay
