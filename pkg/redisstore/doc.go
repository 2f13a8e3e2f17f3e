// Package redisstore implements the queue storage contract on Redis,
// letting several processes share one queue.
//
// # Key layout
//
// Everything is namespaced under the configured prefix (relayq by default):
//
//	<p>:req:<id>          request record (JSON)
//	<p>:pend:<zone>:<n>   pending sorted set for priority n, scored by
//	                      eligible-at time in unix milliseconds
//	<p>:zones             set of zones with queued work
//	<p>:all               set of every stored request id
//	<p>:status:<s>        set of request ids in status s
//	<p>:fp                fingerprint -> live request id hash
//	<p>:terminal          sorted set of terminal ids scored by finish time
//	<p>:stats             wait/processing time accumulators
//	<p>:batch:<id>        batch record (JSON)
//	<p>:batches           set of stored batch ids
//
// Dequeue runs a Lua script that scans priorities 10 down to 1 across
// zones and pops the eligible member with the earliest eligible-at time,
// so concurrent workers never claim the same request. Within one
// priority and instant, ordering falls back to member lexicographic
// order rather than strict insertion order.
//
// The store targets a single Redis instance; keys are composed inside
// the script, which is not cluster-safe.
package redisstore
