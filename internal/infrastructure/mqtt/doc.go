// Package mqtt provides the MQTT client that carries the tree protocol
// between the daemon and the tree host.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing and topic subscriptions
//   - Last Will and Testament (LWT) on the client's status topic
//   - Tree protocol topic layout (see Topics)
//
// Handlers are invoked in the order messages arrive, on paho's router
// goroutine. A handler must not block and must not wait on a publish
// token, or delivery to every other subscription stalls.
//
// Subscriptions are restored on reconnect, but the tree host drops a
// client's listeners as soon as it disconnects, so callers that hold
// listeners watch SetOnDisconnect.
//
// # Usage
//
//	topics := mqtt.Topics{Prefix: cfg.Remote.TopicPrefix}
//	client, err := mqtt.Connect(cfg.MQTT, topics)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(topics.Response(client.ClientID()), 1,
//	    func(topic string, payload []byte) error {
//	        return handleResponse(payload)
//	    })
package mqtt
