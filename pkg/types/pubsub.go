package types

// PubSubMessage is the envelope Cloud Functions receive for Pub/Sub triggers.
// The inner Data is the serialized business event.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}
