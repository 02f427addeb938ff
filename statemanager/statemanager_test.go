package statemanager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lnhosted/provider/hcwire"
	"github.com/lnhosted/provider/lcss"
)

func baseState(localBal, remoteBal hcwire.MilliSatoshi) *lcss.LastCrossSignedState {
	return &lcss.LastCrossSignedState{
		InitHostedChannel: hcwire.InitHostedChannel{
			ChannelCapacityMsat: localBal + remoteBal,
		},
		LocalBalanceMsat:  localBal,
		RemoteBalanceMsat: remoteBal,
	}
}

func TestApplyLocalAdd(t *testing.T) {
	base := baseState(100_000, 0)
	m := New(base)

	add := &hcwire.UpdateAddHtlc{ID: 1, AmountMsat: 10_000}
	m.AddUncommittedUpdate(&Update{Origin: FromLocal, Kind: KindAdd, Add: add})

	next, err := m.LCSSNext()
	require.NoError(t, err)
	require.Equal(t, hcwire.MilliSatoshi(90_000), next.LocalBalanceMsat)
	require.Equal(t, hcwire.MilliSatoshi(0), next.RemoteBalanceMsat)
	require.Len(t, next.OutgoingHtlcs, 1)
	require.Equal(t, uint32(1), next.LocalUpdates)
	require.True(t, next.Balanced())
}

func TestApplyAddThenFulfillConservesBalance(t *testing.T) {
	base := baseState(100_000, 0)
	m := New(base)

	add := &hcwire.UpdateAddHtlc{ID: 1, AmountMsat: 10_000}
	m.AddUncommittedUpdate(&Update{Origin: FromLocal, Kind: KindAdd, Add: add})
	m.AddUncommittedUpdate(&Update{Origin: FromRemote, Kind: KindFulfill, HtlcID: 1})

	next, err := m.LCSSNext()
	require.NoError(t, err)
	require.Equal(t, hcwire.MilliSatoshi(100_000), next.LocalBalanceMsat)
	require.Equal(t, hcwire.MilliSatoshi(0), next.RemoteBalanceMsat)
	require.Empty(t, next.OutgoingHtlcs)
	require.True(t, next.Balanced())
}

func TestApplyAddThenFailRefunds(t *testing.T) {
	base := baseState(100_000, 0)
	m := New(base)

	add := &hcwire.UpdateAddHtlc{ID: 1, AmountMsat: 10_000}
	m.AddUncommittedUpdate(&Update{Origin: FromLocal, Kind: KindAdd, Add: add})
	m.AddUncommittedUpdate(&Update{Origin: FromRemote, Kind: KindFail, HtlcID: 1})

	next, err := m.LCSSNext()
	require.NoError(t, err)
	require.Equal(t, hcwire.MilliSatoshi(100_000), next.LocalBalanceMsat)
	require.True(t, next.Balanced())
}

func TestApplyRemoteAddNegativeBalanceErrors(t *testing.T) {
	base := baseState(0, 5_000)
	m := New(base)

	add := &hcwire.UpdateAddHtlc{ID: 1, AmountMsat: 10_000}
	m.AddUncommittedUpdate(&Update{Origin: FromRemote, Kind: KindAdd, Add: add})

	_, err := m.LCSSNext()
	require.Error(t, err)
}

func TestUnknownHtlcReferenceErrors(t *testing.T) {
	base := baseState(100_000, 0)
	m := New(base)
	m.AddUncommittedUpdate(&Update{Origin: FromLocal, Kind: KindFulfill, HtlcID: 42})

	_, err := m.LCSSNext()
	require.Error(t, err)
}

func TestMemoizationInvalidatesOnChange(t *testing.T) {
	base := baseState(100_000, 0)
	m := New(base)

	first, err := m.LCSSNext()
	require.NoError(t, err)

	add := &hcwire.UpdateAddHtlc{ID: 1, AmountMsat: 1_000}
	m.AddUncommittedUpdate(&Update{Origin: FromLocal, Kind: KindAdd, Add: add})

	second, err := m.LCSSNext()
	require.NoError(t, err)
	require.NotEqual(t, first.LocalBalanceMsat, second.LocalBalanceMsat)
}

func TestRemoveUncommittedUpdates(t *testing.T) {
	base := baseState(100_000, 0)
	m := New(base)

	u1 := &Update{Origin: FromLocal, Kind: KindAdd, Add: &hcwire.UpdateAddHtlc{ID: 1, AmountMsat: 1_000}}
	u2 := &Update{Origin: FromLocal, Kind: KindAdd, Add: &hcwire.UpdateAddHtlc{ID: 2, AmountMsat: 2_000}}
	m.AddUncommittedUpdate(u1)
	m.AddUncommittedUpdate(u2)

	m.RemoveUncommittedUpdates([]*Update{u1})
	require.Len(t, m.Uncommitted(), 1)
	require.Same(t, u2, m.Uncommitted()[0])
}
