// Package treehost serves an in-memory device tree to remote store clients
// over an embedded MQTT broker.
//
// Clients speak the messages of package wire on the topics laid out by
// mqtt.Topics. Requests from all clients are applied by a single worker in
// arrival order, which gives every client read-your-writes ordering and
// makes compare-and-set races resolve deterministically. Listener pushes
// are published from the tree's notification goroutine, so a client sees
// the pushes of one listener in commit order.
//
// When a client disconnects the host drops all of its listeners; clients
// re-register after reconnecting.
package treehost
