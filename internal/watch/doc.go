// Package watch turns remote tree listeners into typed subscriptions.
//
// A Watcher opens one remote listener per subscription and translates every
// notification into the canonical device model before handing it to the
// consumer. Delivery never blocks the store's notification goroutine: each
// Subscription keeps only the latest undelivered value, and writes to the
// local cache happen on a separate bounded queue.
//
// The number of concurrently open subscriptions is bounded (max_watches).
// Hard listener failures end a subscription with a terminal error; there is
// no automatic resubscription.
//
// Fleet builds on the index and device watches to follow every device a
// user owns, opening and closing device watches as the index changes.
package watch
