package command

import (
	"fmt"

	"github.com/rmacdonaldsmith/meshgate/pkg/codec"
)

// typeURLPrefix namespaces the broker's own models.
const typeURLPrefix = "meshgate/"

// Model is a value that can travel as a command payload.
type Model interface {
	// TypeURL names the model on the wire
	TypeURL() string
}

// Payload is a single typed entry in a command's data list.
type Payload struct {
	TypeURL string `cbor:"type_url"`
	Value   []byte `cbor:"value"`
}

// Pack encodes m into a payload entry.
func Pack(m Model) (Payload, error) {
	if m == nil {
		return Payload{}, fmt.Errorf("cannot pack nil model")
	}
	value, err := codec.Marshal(m)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to pack %s: %w", m.TypeURL(), err)
	}
	return Payload{TypeURL: m.TypeURL(), Value: value}, nil
}

// PackAll encodes each model in order.
func PackAll(models ...Model) ([]Payload, error) {
	if len(models) == 0 {
		return nil, nil
	}
	data := make([]Payload, 0, len(models))
	for _, m := range models {
		p, err := Pack(m)
		if err != nil {
			return nil, err
		}
		data = append(data, p)
	}
	return data, nil
}

// Is reports whether the payload holds a model of m's type.
func (p Payload) Is(m Model) bool {
	return p.TypeURL == m.TypeURL()
}

// IsError reports whether the payload is an error model.
func (p Payload) IsError() bool {
	return p.TypeURL == ErrorModel{}.TypeURL()
}

// UnmarshalTo decodes the payload into m. The payload type must match.
func (p Payload) UnmarshalTo(m Model) error {
	if p.TypeURL != m.TypeURL() {
		return fmt.Errorf("%w: have %q, want %q", ErrTypeMismatch, p.TypeURL, m.TypeURL())
	}
	if err := codec.Unmarshal(p.Value, m); err != nil {
		return fmt.Errorf("failed to decode %s: %w", p.TypeURL, err)
	}
	return nil
}
