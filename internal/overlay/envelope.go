package overlay

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ElementSIP names the envelope element carrying a serialized SIP message
const ElementSIP = "SIP"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("overlay: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("overlay: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope is the unit carried by overlay pipes: named binary elements
type Envelope struct {
	Elements map[string][]byte `cbor:"1,keyasint"`
}

// NewEnvelope creates an envelope holding a single element
func NewEnvelope(name string, payload []byte) *Envelope {
	return &Envelope{Elements: map[string][]byte{name: payload}}
}

// Element returns the named element and whether it is present
func (e *Envelope) Element(name string) ([]byte, bool) {
	if e == nil || e.Elements == nil {
		return nil, false
	}
	payload, ok := e.Elements[name]
	return payload, ok
}

// Marshal encodes the envelope with deterministic CBOR
func (e *Envelope) Marshal() ([]byte, error) {
	return encMode.Marshal(e)
}

// UnmarshalEnvelope decodes an envelope produced by Marshal
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("overlay: invalid envelope: %w", err)
	}
	return &env, nil
}

// MarshalDescriptor encodes a descriptor for storage in the overlay
func MarshalDescriptor(d Descriptor) ([]byte, error) {
	return encMode.Marshal(d)
}

// UnmarshalDescriptor decodes a stored descriptor
func UnmarshalDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := decMode.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("overlay: invalid descriptor: %w", err)
	}
	return d, nil
}
