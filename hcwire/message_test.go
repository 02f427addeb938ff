package hcwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWriteReadMessageRoundTrip exercises the tag||length||payload framing
// end to end for one message with variable-length fields, the shape every
// other message type shares.
func TestWriteReadMessageRoundTrip(t *testing.T) {
	msg := &InvokeHostedChannel{
		RefundScriptPubKey: []byte("refund-script"),
		Secret:             []byte("a-one-shot-secret"),
	}

	var buf bytes.Buffer
	n, err := WriteMessage(&buf, msg)
	require.NoError(t, err)
	require.Equal(t, buf.Len(), n)

	got, err := ReadMessage(&buf)
	require.NoError(t, err)

	back, ok := got.(*InvokeHostedChannel)
	require.True(t, ok)
	require.Equal(t, msg.ChainHash, back.ChainHash)
	require.Equal(t, msg.RefundScriptPubKey, back.RefundScriptPubKey)
	require.Equal(t, msg.Secret, back.Secret)
}

// TestWriteReadMessageRoundTripFixedWidth exercises a message with only
// fixed-width fields, to check the framing doesn't depend on a preceding
// variable-length read.
func TestWriteReadMessageRoundTripFixedWidth(t *testing.T) {
	msg := &UpdateFulfillHtlc{ID: 42}
	msg.ChanID[0] = 0xAB
	msg.PaymentPreimage[31] = 0xCD

	var buf bytes.Buffer
	_, err := WriteMessage(&buf, msg)
	require.NoError(t, err)

	got, err := ReadMessage(&buf)
	require.NoError(t, err)

	back, ok := got.(*UpdateFulfillHtlc)
	require.True(t, ok)
	require.Equal(t, msg.ChanID, back.ChanID)
	require.Equal(t, msg.ID, back.ID)
	require.Equal(t, msg.PaymentPreimage, back.PaymentPreimage)
}

func TestReadMessageUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUint16(&buf, 1))
	require.NoError(t, writeUint16(&buf, 0))

	_, err := ReadMessage(&buf)
	require.Error(t, err)
	var unknownErr *UnknownTagError
	require.ErrorAs(t, err, &unknownErr)
	require.Equal(t, Tag(1), unknownErr.Tag)
}

func TestReadMessageRejectsOversizedDeclaredLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUint16(&buf, uint16(TagError)))
	require.NoError(t, writeUint16(&buf, 65535))
	// Declared length exceeds what actually follows; ReadMessage must
	// fail on the short read rather than hang or panic.
	buf.WriteByte(0x00)

	_, err := ReadMessage(&buf)
	require.Error(t, err)
}

func TestMessageTagsAreDistinct(t *testing.T) {
	tags := []Tag{
		TagAskBrandingInfo, TagInvokeHostedChannel, TagInitHostedChannel,
		TagLastCrossSignedState, TagStateUpdate, TagStateOverride, TagError,
		TagChannelUpdate, TagUpdateAddHtlc, TagUpdateFulfillHtlc,
		TagUpdateFailHtlc, TagUpdateFailMalformedHtlc,
	}
	seen := make(map[Tag]bool, len(tags))
	for _, tag := range tags {
		require.False(t, seen[tag], "duplicate tag %d", tag)
		seen[tag] = true
	}
}
