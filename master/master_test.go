package master

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/lnhosted/provider/channel"
	"github.com/lnhosted/provider/config"
	"github.com/lnhosted/provider/hcwire"
	"github.com/lnhosted/provider/statemanager"
	"github.com/lnhosted/provider/store"
	"github.com/lnhosted/provider/upstream"
)

func TestForwardingTablePutGetDeleteRoundTrip(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	ft, err := newForwardingTable(st)
	require.NoError(t, err)

	in := statemanager.HtlcIdentifier{Scid: hcwire.ShortChannelID(1), HtlcID: 7}
	out := statemanager.HtlcIdentifier{Scid: hcwire.ShortChannelID(2), HtlcID: 9}

	_, ok := ft.Get(in)
	require.False(t, ok)

	ft.Put(in, out)

	got, ok := ft.Get(in)
	require.True(t, ok)
	require.Equal(t, out, got)

	gotIn, ok := ft.GetIncoming(out)
	require.True(t, ok)
	require.Equal(t, in, gotIn)

	ft.Delete(in)
	_, ok = ft.Get(in)
	require.False(t, ok)
	_, ok = ft.GetIncoming(out)
	require.False(t, ok)
}

func TestForwardingTablePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)

	ft, err := newForwardingTable(st)
	require.NoError(t, err)

	in := statemanager.HtlcIdentifier{Scid: hcwire.ShortChannelID(5), HtlcID: 1}
	out := statemanager.HtlcIdentifier{Scid: hcwire.ShortChannelID(6), HtlcID: 2}
	ft.Put(in, out)

	st2, err := store.New(dir)
	require.NoError(t, err)
	ft2, err := newForwardingTable(st2)
	require.NoError(t, err)

	got, ok := ft2.Get(in)
	require.True(t, ok)
	require.Equal(t, out, got)
}

func TestForwardingTableSecretDroppedOnDelete(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	ft, err := newForwardingTable(st)
	require.NoError(t, err)

	out := statemanager.HtlcIdentifier{Scid: hcwire.ShortChannelID(3), HtlcID: 4}
	_, ok := ft.GetSecret(out)
	require.False(t, ok)

	var secret [32]byte
	copy(secret[:], []byte("a-shared-secret-thats-32-bytes!!"))
	ft.PutSecret(out, secret)

	got, ok := ft.GetSecret(out)
	require.True(t, ok)
	require.Equal(t, secret, got)

	in := statemanager.HtlcIdentifier{Scid: hcwire.ShortChannelID(1), HtlcID: 1}
	ft.Put(in, out)
	ft.Delete(in)
	_, ok = ft.GetSecret(out)
	require.False(t, ok, "deleting the forward should also drop its cached secret")
}

func TestChainParamsForUnknownHashFallsBackToMainnet(t *testing.T) {
	var unknown hcwire.ChainHash
	got := chainParamsFor(unknown)
	require.Equal(t, &chaincfg.MainNetParams, got)
}

func TestChainParamsForKnownHash(t *testing.T) {
	got := chainParamsFor(hcwire.ChainHash(*chaincfg.TestNet3Params.GenesisHash))
	require.Equal(t, &chaincfg.TestNet3Params, got)
}

// stubNode is the minimal upstream.Node a Master needs to boot: an
// identity, a chain hash and block height, and an event channel these
// tests never push to (Run isn't exercised here).
type stubNode struct {
	priv   *btcec.PrivateKey
	height uint32
	events chan upstream.Event
}

func newStubNode(t *testing.T) *stubNode {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return &stubNode{priv: priv, height: 100, events: make(chan upstream.Event)}
}

func (s *stubNode) BlockHeight(ctx context.Context) (uint32, error) { return s.height, nil }
func (s *stubNode) ChainHash(ctx context.Context) (chainhash.Hash, error) {
	return chainhash.Hash{}, nil
}
func (s *stubNode) NodeKey(ctx context.Context) (*btcec.PrivateKey, error) { return s.priv, nil }
func (s *stubNode) SendCustomMessage(ctx context.Context, peerID [33]byte, payload []byte) error {
	return nil
}
func (s *stubNode) SendOnion(ctx context.Context, scid hcwire.ShortChannelID, htlcID uint64,
	amountMsat hcwire.MilliSatoshi, paymentHash [32]byte, cltvExpiry uint32,
	onion [hcwire.OnionPacketSize]byte) error {
	return nil
}
func (s *stubNode) InspectPayment(ctx context.Context, scid hcwire.ShortChannelID, htlcID uint64,
	paymentHash [32]byte) (upstream.InspectStatus, *upstream.PaymentResult, error) {
	return upstream.InspectUnknown, nil, nil
}
func (s *stubNode) Events() <-chan upstream.Event { return s.events }

func TestNewBuildsEmptyMasterFromFreshStore(t *testing.T) {
	ctx := context.Background()
	node := newStubNode(t)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	m, err := New(ctx, cfg, nil, node, nil)
	require.NoError(t, err)
	require.Empty(t, m.Channels())
	require.Equal(t, node.height, m.currentBlock)
}

func TestGetChannelCreatesAndReusesOnePerPeer(t *testing.T) {
	ctx := context.Background()
	node := newStubNode(t)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	m, err := New(ctx, cfg, nil, node, nil)
	require.NoError(t, err)

	peerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	var peerID [33]byte
	copy(peerID[:], peerPriv.PubKey().SerializeCompressed())

	first := m.getChannel(peerID, peerPriv.PubKey())
	require.NotNil(t, first)
	require.Len(t, m.Channels(), 1)

	second := m.getChannel(peerID, peerPriv.PubKey())
	require.Same(t, first, second, "a second lookup for the same peer must reuse the existing channel")

	require.Equal(t, first, m.ChannelByPeerID(peerID))
	require.Equal(t, first, m.ChannelByScid(first.Scid()))
}

func TestTickAllChannelsDoesNotPanicOnFreshChannel(t *testing.T) {
	ctx := context.Background()
	node := newStubNode(t)
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	m, err := New(ctx, cfg, nil, node, nil)
	require.NoError(t, err)

	peerPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	var peerID [33]byte
	copy(peerID[:], peerPriv.PubKey().SerializeCompressed())
	c := m.getChannel(peerID, peerPriv.PubKey())

	// A freshly-created channel with no persisted record is NotOpened, not
	// Active; tickAllChannels must handle that without erroring.
	m.tickAllChannels(ctx, node.height)
	require.NotEqual(t, channel.Active, c.Status())
}
