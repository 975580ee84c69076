package message

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Keep nanosecond timestamps so Since filters and ordering survive a round trip.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("message: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payloads are decoded into map[string]any, never map[any]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("message: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeCBOR encodes the message with deterministic CBOR.
func (m *Message) EncodeCBOR() ([]byte, error) {
	return encMode.Marshal(m)
}

// DecodeCBOR decodes a message produced by EncodeCBOR.
func DecodeCBOR(data []byte) (*Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// MarshalCBOR encodes any value with the message encoder settings.
// Stores use it for envelopes that wrap a Message.
func MarshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR decodes data produced by MarshalCBOR into v.
func UnmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
