// ABOUTME: Decoding and validation of raw frames into typed envelopes
// ABOUTME: Unknown types and malformed JSON are reported with sentinel errors

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decode errors.
var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown message type")
	ErrInvalid     = errors.New("invalid envelope")
)

// Decode parses a frame into its typed variant and validates required fields.
func Decode(data []byte) (Message, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	msg, err := newVariant(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// PeekType returns the type discriminator of a frame without decoding the
// rest of it.
func PeekType(data []byte) (Type, error) {
	var peek struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if peek.Type == nil {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return Type(*peek.Type), nil
}

func newVariant(t Type) (Message, error) {
	switch t {
	case TypeAuth:
		return &Auth{}, nil
	case TypeEvent:
		return &Event{}, nil
	case TypeToolCall:
		return &ToolCall{}, nil
	case TypeToolResult:
		return &ToolResult{}, nil
	case TypeResponse:
		return &Response{}, nil
	case TypeError:
		return &Error{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// Validate checks the required fields of msg.
func Validate(msg Message) error {
	h := msg.Head()
	if h.Type != msg.Kind() {
		return fmt.Errorf("%w: type %q on %s envelope", ErrInvalid, h.Type, msg.Kind())
	}
	if h.ID == "" && msg.Kind() != TypeError {
		return fmt.Errorf("%w: %s requires id", ErrInvalid, msg.Kind())
	}

	switch m := msg.(type) {
	case *Auth:
		// Acknowledgements travel relay to peer and carry no credentials.
		if m.Status == StatusOK {
			return nil
		}
		if m.Token == "" {
			return fmt.Errorf("%w: auth requires token", ErrInvalid)
		}
		if !m.Role.Valid() {
			return fmt.Errorf("%w: auth role must be channel or node, got %q", ErrInvalid, m.Role)
		}
	case *Event:
		if m.ChannelID == "" || m.UserID == "" {
			return fmt.Errorf("%w: event requires channelId and userId", ErrInvalid)
		}
		if m.Text == "" && len(m.Attachments) == 0 {
			return fmt.Errorf("%w: event requires text or attachments", ErrInvalid)
		}
	case *ToolCall:
		if m.ToolName == "" {
			return fmt.Errorf("%w: tool_call requires toolName", ErrInvalid)
		}
	case *Error:
		if m.Message == "" {
			return fmt.Errorf("%w: error requires message", ErrInvalid)
		}
	}
	return nil
}

// Encode serializes msg, stamping the type discriminator from its variant.
func Encode(msg Message) ([]byte, error) {
	msg.Head().Type = msg.Kind()
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", msg.Kind(), err)
	}
	return data, nil
}

// MustEncode is Encode for envelopes built from constructors, which always
// marshal.
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}
