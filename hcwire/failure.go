package hcwire

// FailureCode is a BOLT#4 HTLC failure code. The high bits classify the
// failure: BADONION marks malformed-onion failures (carried in
// UpdateFailMalformedHtlc rather than an encrypted reason), PERM marks a
// failure that will recur on retry, NODE attributes it to the processing
// node rather than the channel, UPDATE means a fresh ChannelUpdate may
// unblock a retry.
type FailureCode uint16

const (
	flagBadOnion FailureCode = 0x8000
	flagPerm     FailureCode = 0x4000
	flagNode     FailureCode = 0x2000
	flagUpdate   FailureCode = 0x1000

	CodeTemporaryChannelFailure         = flagUpdate | 7
	CodeTemporaryNodeFailure            = flagNode | 2
	CodePermanentChannelFailure         = flagPerm | 8
	CodeIncorrectOrUnknownPaymentDetails = flagPerm | 15
	CodeInvalidOnionPayload             = flagPerm | 22
	CodePermanentNodeFailure            = flagPerm | flagNode | 2
	CodeInvalidOnionHmac                = flagBadOnion | flagPerm | 5
	CodeInvalidOnionVersion             = flagBadOnion | flagPerm | 4
	CodeInvalidOnionKey                 = flagBadOnion | flagPerm | 6
)

// IsBadOnion reports whether code marks a malformed-onion failure, which
// must be signalled with UpdateFailMalformedHtlc instead of an encrypted
// UpdateFailHtlc reason.
func (c FailureCode) IsBadOnion() bool { return c&flagBadOnion != 0 }

// FailureMessage is a BOLT#4 failure reason before onion encryption.
type FailureMessage struct {
	Code FailureCode
	Data []byte
}

// NormalFailureMessage is used when this hop originates the failure (as
// opposed to relaying one peeled from an upstream failure onion).
func NormalFailureMessage(code FailureCode) *FailureMessage {
	return &FailureMessage{Code: code}
}
