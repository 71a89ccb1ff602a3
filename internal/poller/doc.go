// Package poller implements the per-resource refresh tasks.
//
// A Pool holds at most one task per subscription key:
//   - Created on the key's first subscriber; fetches immediately
//   - Re-fetches every Interval, scheduled after the previous cycle ends
//   - Fetch errors are logged and the cycle is skipped; the task survives
//   - Destroyed on the key's last unsubscribe; late results are discarded
package poller
