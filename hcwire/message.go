package hcwire

// code derived from the tag-dispatch shape of lnwire.ReadMessage/WriteMessage,
// adapted to hosted-channel messages and the tag||length||payload framing
// mandated for custom messages.

import (
	"bytes"
	"fmt"
	"io"
)

// MaxMessagePayload bounds any single hosted-channel custom message.
const MaxMessagePayload = 65535

// Tag is the unique 2-byte big-endian message identifier, per bLIP-0017.
type Tag uint16

const (
	TagAskBrandingInfo          Tag = 65013
	TagInvokeHostedChannel      Tag = 65003
	TagInitHostedChannel        Tag = 65005
	TagLastCrossSignedState     Tag = 65006
	TagStateUpdate              Tag = 65007
	TagStateOverride            Tag = 65011
	TagError                    Tag = 65012
	TagChannelUpdate            Tag = 65009
	TagUpdateAddHtlc            Tag = 65014
	TagUpdateFulfillHtlc        Tag = 65015
	TagUpdateFailHtlc           Tag = 65016
	TagUpdateFailMalformedHtlc  Tag = 65017
)

// Message is implemented by every hosted-channel wire message.
type Message interface {
	Encode(w io.Writer) error
	Decode(r io.Reader) error
	Tag() Tag
}

// UnknownTagError is returned by Decode when a tag has no registered
// message type.
type UnknownTagError struct {
	Tag Tag
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("hcwire: unknown message tag %d", e.Tag)
}

func makeEmptyMessage(tag Tag) (Message, error) {
	switch tag {
	case TagAskBrandingInfo:
		return &AskBrandingInfo{}, nil
	case TagInvokeHostedChannel:
		return &InvokeHostedChannel{}, nil
	case TagInitHostedChannel:
		return &InitHostedChannel{}, nil
	case TagLastCrossSignedState:
		return &LastCrossSignedStateMsg{}, nil
	case TagStateUpdate:
		return &StateUpdate{}, nil
	case TagStateOverride:
		return &StateOverride{}, nil
	case TagError:
		return &Error{}, nil
	case TagChannelUpdate:
		return &ChannelUpdate{}, nil
	case TagUpdateAddHtlc:
		return &UpdateAddHtlc{}, nil
	case TagUpdateFulfillHtlc:
		return &UpdateFulfillHtlc{}, nil
	case TagUpdateFailHtlc:
		return &UpdateFailHtlc{}, nil
	case TagUpdateFailMalformedHtlc:
		return &UpdateFailMalformedHtlc{}, nil
	default:
		return nil, &UnknownTagError{Tag: tag}
	}
}

// WriteMessage frames msg as tag || length || payload and writes it to w.
func WriteMessage(w io.Writer, msg Message) (int, error) {
	var buf bytes.Buffer
	if err := msg.Encode(&buf); err != nil {
		return 0, err
	}
	payload := buf.Bytes()
	if len(payload) > MaxMessagePayload {
		return 0, fmt.Errorf("hcwire: payload too large: %d bytes", len(payload))
	}

	total := 0
	if err := writeUint16(w, uint16(msg.Tag())); err != nil {
		return total, err
	}
	total += 2
	if err := writeUint16(w, uint16(len(payload))); err != nil {
		return total, err
	}
	total += 2
	n, err := w.Write(payload)
	total += n
	return total, err
}

// ReadMessage reads a tag-framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	tagVal, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	length, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	if int(length) > MaxMessagePayload {
		return nil, fmt.Errorf("hcwire: declared length too large: %d", length)
	}
	payload, err := readFixed(r, int(length))
	if err != nil {
		return nil, err
	}

	msg, err := makeEmptyMessage(Tag(tagVal))
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	return msg, nil
}
