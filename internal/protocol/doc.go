// Package protocol defines the downstream wire format.
//
// Inbound frames are decoded once, at the boundary, into a closed set of
// variants (Subscribe, Unsubscribe, Ping). Anything else is reported as
// ErrMalformed and the caller drops it.
//
// Outbound frames:
//   - {"type":"connected","clientId":...,"timestamp":...}
//   - {"type":"subscribed"|"unsubscribed","channel":...,"params":{...}}
//   - {"type":"pong"}
//   - {"type":"<channel>_update","channel":...,"params":{...},"data":{...}}
//   - {"type":"error","message":...}
package protocol
