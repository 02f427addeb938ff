package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lnhosted/provider/hcwire"
	"github.com/lnhosted/provider/lcss"
	"github.com/lnhosted/provider/statemanager"
)

func TestSaveAndLoadChannelRoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var peerID [33]byte
	peerID[0] = 0x02
	peerID[1] = 0xaa

	htlcID := uint64(3)
	record := &ChannelRecord{
		PeerID: peerID,
		LCSS: &lcss.LastCrossSignedState{
			IsHost:            true,
			LocalBalanceMsat:  100_000,
			RemoteBalanceMsat: 0,
			InitHostedChannel: hcwire.InitHostedChannel{ChannelCapacityMsat: 100_000},
		},
		LocalErrors: []DetailedError{{Code: hcwire.ErrCodeManualSuspend, HtlcID: &htlcID, Reason: "testing"}},
		Suspended:   true,
	}

	require.NoError(t, s.SaveChannel(record))

	loaded, err := s.LoadChannel(peerID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.True(t, loaded.Suspended)
	require.Equal(t, hcwire.MilliSatoshi(100_000), loaded.LCSS.LocalBalanceMsat)
	require.Len(t, loaded.LocalErrors, 1)
	require.Equal(t, hcwire.ErrCodeManualSuspend, loaded.LocalErrors[0].Code)
	require.Equal(t, htlcID, *loaded.LocalErrors[0].HtlcID)
}

func TestLoadChannelMissingReturnsNil(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var peerID [33]byte
	loaded, err := s.LoadChannel(peerID)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestLoadAllChannelsEnumeratesEverySavedRecord(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for i := byte(1); i <= 3; i++ {
		var peerID [33]byte
		peerID[0] = i
		require.NoError(t, s.SaveChannel(&ChannelRecord{PeerID: peerID}))
	}

	all, err := s.LoadAllChannels()
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestHtlcForwardsRoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	table := map[statemanager.HtlcIdentifier]statemanager.HtlcIdentifier{
		{Scid: 1, HtlcID: 5}: {Scid: 2, HtlcID: 9},
	}
	require.NoError(t, s.SaveHtlcForwards(table))

	loaded, err := s.LoadHtlcForwards()
	require.NoError(t, err)
	require.Equal(t, table, loaded)
}

func TestPreimagesRoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	var hash, preimage [32]byte
	hash[0] = 0x11
	preimage[0] = 0x22
	cache := map[[32]byte][32]byte{hash: preimage}

	require.NoError(t, s.SavePreimages(cache))

	loaded, err := s.LoadPreimages()
	require.NoError(t, err)
	require.Equal(t, cache, loaded)
}

func TestLoadHtlcForwardsMissingReturnsEmptyMap(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	loaded, err := s.LoadHtlcForwards()
	require.NoError(t, err)
	require.Empty(t, loaded)
}
