// Package config defines this provider's runtime configuration and its
// defaults, loaded from command-line flags via go-flags (no config file
// is read), matching the teacher's flag-struct-tag convention.
package config

import "github.com/lnhosted/provider/hcwire"

// Config holds every tunable named in §6.4, each with the specified
// default.
type Config struct {
	DataDir        string `long:"datadir" description:"directory holding channel records and aux files" default:"."`
	SigningKeyFile string `long:"signingkeyfile" description:"path to a 32-byte hex-encoded private key used to sign LCSS updates and peel onions"`

	CltvExpiryDelta           uint32 `long:"cltvexpirydelta" description:"minimum CLTV delta required when accepting a forward" default:"143"`
	FeeBaseMsat               uint64 `long:"feebase" description:"base fee in millisatoshi charged per forwarded htlc" default:"1000"`
	FeeProportionalMillionths uint64 `long:"feeproportionalmillionths" description:"proportional fee, parts per million of the forwarded amount" default:"1000"`
	MaxHtlcValueInFlightMsat  uint64 `long:"maxhtlcvalueinflightmsat" description:"cap on the sum of incoming in-flight htlc amounts" default:"100000000"`
	HtlcMinimumMsat           uint64 `long:"htlcminimummsat" description:"minimum accepted htlc amount" default:"1000"`
	MaxAcceptedHtlcs          uint16 `long:"maxacceptedhtlcs" description:"cap on the number of incoming in-flight htlcs" default:"12"`
	ChannelCapacityMsat       uint64 `long:"channelcapacitymsat" description:"capacity offered to a newly invoked channel" default:"100000000"`
	InitialClientBalanceMsat  uint64 `long:"initialclientbalancemsat" description:"client-side balance granted on channel open" default:"0"`

	ContactURL string `long:"contacturl" description:"contact URL served in AskBrandingInfo replies"`
	LogoFile   string `long:"logofile" description:"path to a channel logo image served in AskBrandingInfo replies"`
	HexColor   string `long:"hexcolor" description:"branding color served in AskBrandingInfo replies" default:"#ffffff"`

	IsDev                   bool     `long:"isdev" description:"relax production safety checks for local testing" default:"true"`
	RequireSecret           bool     `long:"requiresecret" description:"require a matching invocation secret on InvokeHostedChannel" default:"false"`
	PermanentSecrets        []string `long:"permanentsecret" description:"hex-encoded secret accepted indefinitely (repeatable)"`
	DisablePreimageChecking bool     `long:"disablepreimagechecking" description:"skip scanning blocks for preimages of timed-out htlcs" default:"true"`
}

// Default returns the configuration with every §6.4 default applied and
// no permanent secrets, ready to be overlaid by flag parsing.
func Default() *Config {
	return &Config{
		DataDir:                   ".",
		CltvExpiryDelta:           143,
		FeeBaseMsat:               1000,
		FeeProportionalMillionths: 1000,
		MaxHtlcValueInFlightMsat:  100_000_000,
		HtlcMinimumMsat:           1000,
		MaxAcceptedHtlcs:          12,
		ChannelCapacityMsat:       100_000_000,
		InitialClientBalanceMsat:  0,
		HexColor:                  "#ffffff",
		IsDev:                     true,
		RequireSecret:             false,
		DisablePreimageChecking:   true,
	}
}

// RequiredFee computes the fee §4.2 addHtlc requires to forward
// outAmount: feeBase + outAmount * feeProportionalMillionths / 1e6.
func (c *Config) RequiredFee(outAmount hcwire.MilliSatoshi) hcwire.MilliSatoshi {
	prop := uint64(outAmount) * c.FeeProportionalMillionths / 1_000_000
	return hcwire.MilliSatoshi(c.FeeBaseMsat + prop)
}

// InitHostedChannel builds the static channel parameters offered to a
// newly invoking peer.
func (c *Config) InitHostedChannel() hcwire.InitHostedChannel {
	return hcwire.InitHostedChannel{
		MaxHtlcValueInFlightMsat: hcwire.MilliSatoshi(c.MaxHtlcValueInFlightMsat),
		HtlcMinimumMsat:          hcwire.MilliSatoshi(c.HtlcMinimumMsat),
		MaxAcceptedHtlcs:         c.MaxAcceptedHtlcs,
		ChannelCapacityMsat:      hcwire.MilliSatoshi(c.ChannelCapacityMsat),
		InitialClientBalanceMsat: hcwire.MilliSatoshi(c.InitialClientBalanceMsat),
	}
}
