// Package upstream implements the bridge to the push-capable upstream feed.
//
// The Bridge:
//   - Holds one WebSocket connection to the feed
//   - Reconnects forever with exponential backoff, reset on every success
//   - Forwards subscribe/unsubscribe intents only while connected
//   - Fans every data message out to all subscribed downstream connections
//   - Logs command responses instead of forwarding them
package upstream
