package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the topic root used when Topics.Prefix is empty.
const DefaultTopicPrefix = "dryerlink/tree"

// Topic segments below the prefix.
const (
	segmentRequest  = "req"
	segmentResponse = "res"
	segmentWatch    = "watch"
	segmentStatus   = "status"
)

// Topics builds the tree protocol topics under one prefix.
//
// Every client owns its own branch of each topic family, keyed by its MQTT
// client id:
//
//	{prefix}/req/{clientID}              client → host requests
//	{prefix}/res/{clientID}              host → client responses
//	{prefix}/watch/{clientID}/{watchID}  host → client listener pushes
//	{prefix}/status/{clientID}           retained online/offline status
type Topics struct {
	Prefix string
}

// Root returns the topic prefix without a trailing slash.
func (t Topics) Root() string {
	p := strings.TrimSuffix(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Request returns the topic a client publishes its requests on.
func (t Topics) Request(clientID string) string {
	return fmt.Sprintf("%s/%s/%s", t.Root(), segmentRequest, clientID)
}

// AllRequests matches the request topics of every client.
func (t Topics) AllRequests() string {
	return fmt.Sprintf("%s/%s/+", t.Root(), segmentRequest)
}

// Response returns the topic the host answers a client's requests on.
func (t Topics) Response(clientID string) string {
	return fmt.Sprintf("%s/%s/%s", t.Root(), segmentResponse, clientID)
}

// Watch returns the push topic for one listener of a client.
func (t Topics) Watch(clientID, watchID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", t.Root(), segmentWatch, clientID, watchID)
}

// ClientWatches matches every push topic of a client.
func (t Topics) ClientWatches(clientID string) string {
	return fmt.Sprintf("%s/%s/%s/+", t.Root(), segmentWatch, clientID)
}

// Status returns the retained status topic of a client.
func (t Topics) Status(clientID string) string {
	return fmt.Sprintf("%s/%s/%s", t.Root(), segmentStatus, clientID)
}

// AllStatus matches the status topic of every client.
func (t Topics) AllStatus() string {
	return fmt.Sprintf("%s/%s/+", t.Root(), segmentStatus)
}

// ParseRequest extracts the client id from a request topic.
func (t Topics) ParseRequest(topic string) (clientID string, ok bool) {
	rest, ok := t.below(topic, segmentRequest)
	if !ok || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// ParseWatch extracts the client and listener ids from a push topic.
func (t Topics) ParseWatch(topic string) (clientID, watchID string, ok bool) {
	rest, ok := t.below(topic, segmentWatch)
	if !ok {
		return "", "", false
	}
	clientID, watchID, found := strings.Cut(rest, "/")
	if !found || clientID == "" || watchID == "" || strings.Contains(watchID, "/") {
		return "", "", false
	}
	return clientID, watchID, true
}

func (t Topics) below(topic, segment string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Root()+"/"+segment+"/")
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// ValidateClientID checks that id can be used as a single topic level.
func ValidateClientID(id string) error {
	if id == "" || strings.ContainsAny(id, "/+#") {
		return fmt.Errorf("%w: client id %q", ErrInvalidTopic, id)
	}
	return nil
}
