package treehost

import (
	"bytes"
	"strings"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// hook connects the broker to the host. It queues requests, drops the
// listeners of departing clients and keeps each client inside its own
// branch of the tree topics.
type hook struct {
	mochi.HookBase
	host *Host
}

func (h *hook) ID() string {
	return "dryerlink-treehost"
}

func (h *hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnACLCheck,
		mochi.OnPublish,
		mochi.OnDisconnect,
	}, []byte{b})
}

// OnACLCheck lets a client publish only its own requests and status, and
// subscribe only to its own responses and pushes. Status topics are
// readable by everyone; topics outside the prefix are not restricted.
func (h *hook) OnACLCheck(cl *mochi.Client, topic string, write bool) bool {
	if cl.Net.Inline {
		return true
	}
	t := h.host.topics
	root := t.Root()
	if !strings.HasPrefix(topic, root+"/") {
		return true
	}

	id := cl.ID
	if write {
		return topic == t.Request(id) || topic == t.Status(id)
	}
	if strings.HasPrefix(topic, root+"/status/") {
		return true
	}
	if topic == t.Response(id) || topic == t.ClientWatches(id) {
		return true
	}
	owner, _, ok := t.ParseWatch(topic)
	return ok && owner == id
}

func (h *hook) OnPublish(cl *mochi.Client, pk packets.Packet) (packets.Packet, error) {
	if cl.Net.Inline {
		return pk, nil
	}
	clientID, ok := h.host.topics.ParseRequest(pk.TopicName)
	if !ok {
		return pk, nil
	}
	if clientID != cl.ID {
		h.host.metrics.reject()
		h.host.logger.Warn("request on foreign topic dropped", "client_id", cl.ID, "topic", pk.TopicName)
		return pk, nil
	}

	payload := make([]byte, len(pk.Payload))
	copy(payload, pk.Payload)
	h.host.enqueue(job{clientID: clientID, payload: payload})
	return pk, nil
}

func (h *hook) OnDisconnect(cl *mochi.Client, _ error, _ bool) {
	if cl.Net.Inline {
		return
	}
	h.host.enqueue(job{clientID: cl.ID, disconnect: true})
}
