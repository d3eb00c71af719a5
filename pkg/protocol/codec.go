package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/HMasataka/fanout/pkg/errors"
)

var bareping = []byte("ping")

// Decode turns a text payload into a Frame. Payloads that are not JSON (and
// not the bare word ping) yield a MalformedFrame error.
func Decode(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, bareping) {
		return Ping{}, nil
	}

	if !json.Valid(trimmed) {
		return nil, errors.New(errors.ErrorTypeMalformedFrame, errors.CodeMalformedFrame, "frame is not valid JSON")
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, malformed(err)
		}
		return Batch{Items: items}, nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, malformed(err)
		}
		if s == string(KindPing) {
			return Ping{}, nil
		}
		return Unknown{Raw: clone(trimmed)}, nil
	case '{':
		return decodeObject(trimmed)
	default:
		return Unknown{Raw: clone(trimmed)}, nil
	}
}

func decodeObject(data []byte) (Frame, error) {
	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, malformed(err)
	}

	var kind Kind
	if len(head.Type) > 0 {
		var s string
		if err := json.Unmarshal(head.Type, &s); err != nil {
			// A non-string type tag is not ours to interpret.
			return Unknown{Raw: clone(data)}, nil
		}
		kind = Kind(s)
	}

	switch {
	case kind == KindAuth:
		var a Auth
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, malformed(err)
		}
		return a, nil
	case kind == KindPing:
		return Ping{}, nil
	case kind == KindPong:
		var p Pong
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, malformed(err)
		}
		return p, nil
	case kind == KindOK:
		var ok OK
		if err := json.Unmarshal(data, &ok); err != nil {
			return nil, malformed(err)
		}
		return ok, nil
	case kind == KindError:
		var e Error
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, malformed(err)
		}
		return e, nil
	case kind.IsData():
		return Data{Kind: kind, Raw: clone(data)}, nil
	default:
		return Unknown{Kind: kind, Raw: clone(data)}, nil
	}
}

// Encode serializes a frame. Data and Unknown frames are returned verbatim.
func Encode(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case Auth:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Auth
		}{KindAuth, v})
	case Ping:
		return json.Marshal(struct {
			Type Kind `json:"type"`
		}{KindPing})
	case Pong:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Pong
		}{KindPong, v})
	case OK:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			OK
		}{KindOK, v})
	case Error:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Error
		}{KindError, v})
	case Data:
		return v.Raw, nil
	case Batch:
		return json.Marshal(v.Items)
	case Unknown:
		return v.Raw, nil
	default:
		return nil, errors.New(errors.ErrorTypeInternal, errors.CodeMarshal, fmt.Sprintf("unsupported frame %T", f))
	}
}

// MustEncode is Encode for frames that cannot fail to marshal
func MustEncode(f Frame) []byte {
	b, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return b
}

func malformed(err error) error {
	return errors.Wrap(err, errors.ErrorTypeMalformedFrame, errors.CodeMalformedFrame, "failed to decode frame")
}

// Payloads come straight from the websocket reader, whose buffer may be reused.
func clone(b []byte) json.RawMessage {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
