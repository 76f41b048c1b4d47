// Package sync drains the action queue against the bound executors.
//
// A pass takes a snapshot of the queue, runs every action in FIFO order and
// then commits the outcome with a single queue.Update:
//
//   - succeeded actions are removed
//   - failed actions have RetryCount incremented and are kept while
//     RetryCount < MaxRetries, otherwise they are dropped
//   - actions enqueued while the pass was running are left untouched
//
// The last sync time is written after every pass that was not skipped,
// whatever the per-action outcomes were. Only one pass runs at a time;
// a Run that finds a pass in flight returns immediately with Skipped set.
package sync
