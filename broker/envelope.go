// Package broker maps signals to broker messages.
//
// The kafka, amqp and nats subpackages build signalbus senders on top of
// Envelope.
package broker

import (
	"encoding/json"
	"fmt"

	"github.com/oagudo/signalbus"
)

// Header names set on every published message.
const (
	HeaderSignalType = "signal-type"
	HeaderMessageID  = "message-id"
)

// Mapping selects the signal columns that become the message key and body.
type Mapping struct {
	// KeyColumn holds the message key. Empty means the signal key.
	KeyColumn string
	// PayloadColumn holds the message body. Empty means a JSON object of
	// every loaded column.
	PayloadColumn string
	// ContentType is reported by brokers with a content type property.
	// Defaults to application/json.
	ContentType string
}

// Envelope is a broker independent message built from a signal.
type Envelope struct {
	ID          string
	Key         []byte
	Payload     []byte
	ContentType string
	Headers     map[string]string
}

// NewEnvelope builds the message for sig.
func (m Mapping) NewEnvelope(sig *signalbus.Signal) (*Envelope, error) {
	env := &Envelope{
		ID:          sig.MessageID().String(),
		ContentType: m.ContentType,
		Headers: map[string]string{
			HeaderSignalType: sig.Type,
			HeaderMessageID:  sig.MessageID().String(),
		},
	}
	if env.ContentType == "" {
		env.ContentType = "application/json"
	}

	if m.KeyColumn != "" {
		key, ok := sig.Bytes(m.KeyColumn)
		if !ok {
			return nil, fmt.Errorf("signal %s/%s has no key column %s", sig.Type, sig.Key, m.KeyColumn)
		}
		env.Key = key
	} else {
		env.Key = []byte(sig.Key.String())
	}

	if m.PayloadColumn != "" {
		payload, ok := sig.Bytes(m.PayloadColumn)
		if !ok {
			return nil, fmt.Errorf("signal %s/%s has no payload column %s", sig.Type, sig.Key, m.PayloadColumn)
		}
		env.Payload = payload
		return env, nil
	}

	payload, err := json.Marshal(jsonValues(sig.Values))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signal %s/%s: %w", sig.Type, sig.Key, err)
	}
	env.Payload = payload
	return env, nil
}

// jsonValues turns byte columns into strings so they marshal as text
// instead of base64.
func jsonValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if b, ok := v.([]byte); ok {
			out[k] = string(b)
			continue
		}
		out[k] = v
	}
	return out
}
