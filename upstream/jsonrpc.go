package upstream

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"

	"github.com/lnhosted/provider/hcwire"
)

// maxInspectRetries bounds how many times InspectPayment will poll a
// "pending" sendpay result before giving up and reporting it failed.
// Resolves spec.md §9's open question on retry budget: ten attempts,
// one second apart, rather than polling indefinitely.
const maxInspectRetries = 10

const inspectRetryInterval = time.Second

// rpcRequest/rpcResponse are the JSON-RPC 2.0 envelopes CLN speaks with
// its plugins over stdin/stdout.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("upstream rpc error %d: %s", e.Code, e.Message) }

// Client is a Node implementation that drives a Core Lightning node over
// its plugin JSON-RPC-over-stdio transport: requests go out on stdout,
// hook/notification calls and our own replies come in on stdin.
type Client struct {
	log btclog.Logger

	w  io.Writer
	wMu sync.Mutex

	nextID int64

	pending   map[int64]chan *rpcResponse
	pendingMu sync.Mutex

	events chan Event

	height uint32 // atomic
	chain  chainhash.Hash
	nodeKey *btcec.PrivateKey

	// sent correlates an in-flight sendonion call back to the (scid,
	// htlc id) pair it was sent for, since CLN's sendpay_success/failure
	// notifications key on payment_hash rather than echoing our route
	// identity back.
	sent   map[[32]byte]pendingSend
	sentMu sync.Mutex

	manifest func() interface{}

	commandsMu sync.Mutex
	commands   map[string]func(json.RawMessage) (interface{}, error)
}

// RegisterCommand wires name (one of this plugin's custom rpcmethods) to
// handler, called with the command's raw params whenever lightningd
// dispatches it. Lets cmd/hcplugind expose master/channel operations as
// CLN RPC commands without this package importing either.
func (c *Client) RegisterCommand(name string, handler func(json.RawMessage) (interface{}, error)) {
	c.commandsMu.Lock()
	defer c.commandsMu.Unlock()
	if c.commands == nil {
		c.commands = make(map[string]func(json.RawMessage) (interface{}, error))
	}
	c.commands[name] = handler
}

type pendingSend struct {
	Scid   hcwire.ShortChannelID
	HtlcID uint64
}

// NewClient builds a Client that writes requests to w; Run feeds it
// every line read from the plugin's stdin. manifest
// builds the response to CLN's getmanifest call (the hooks/options this
// plugin registers); it is deferred to the caller since it's owned by
// cmd/hcplugind, not by this package's CLN-wire-protocol concern.
func NewClient(w io.Writer, log btclog.Logger, manifest func() interface{}) *Client {
	return &Client{
		log:      log,
		w:        w,
		pending:  make(map[int64]chan *rpcResponse),
		events:   make(chan Event, 256),
		sent:     make(map[[32]byte]pendingSend),
		manifest: manifest,
	}
}

// Run reads newline-delimited JSON-RPC frames from r until it closes or
// ctx is done, handing each response to the call() waiting on it and
// every other frame to dispatchInbound.
func (c *Client) Run(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			c.log.Warnf("upstream: malformed rpc line: %v", err)
			continue
		}

		if probe.Method != "" {
			c.dispatchInbound(probe.Method, line)
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.Warnf("upstream: malformed rpc response: %v", err)
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
	close(c.events)
	return scanner.Err()
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := atomic.AddInt64(&c.nextID, 1)
	respCh := make(chan *rpcResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("upstream: marshal request: %w", err)
	}
	data = append(data, '\n')

	c.wMu.Lock()
	_, err = c.w.Write(data)
	c.wMu.Unlock()
	if err != nil {
		return fmt.Errorf("upstream: write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-respCh:
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

// dispatchInbound turns a CLN hook/notification call into an Event.
// Hook calls expect a reply on stdout; for custommsg and htlc_accepted
// that reply is always {"result":"continue"}, since this provider never
// wants to block CLN's normal HTLC/message processing.
func (c *Client) dispatchInbound(method string, line []byte) {
	switch method {
	case "getmanifest":
		var params struct {
			ID int64 `json:"id"`
		}
		_ = json.Unmarshal(line, &params)
		if c.manifest != nil {
			c.reply(params.ID, c.manifest())
		} else {
			c.reply(params.ID, map[string]interface{}{})
		}

	case "init":
		var params struct {
			ID int64 `json:"id"`
		}
		_ = json.Unmarshal(line, &params)
		c.reply(params.ID, map[string]interface{}{})

	case "custommsg":
		var params struct {
			ID      int64  `json:"id"`
			Peer_id string `json:"peer_id"`
			Payload string `json:"payload"`
		}
		if err := parseParams(line, &params); err != nil {
			c.log.Warnf("upstream: custommsg: %v", err)
			return
		}
		peerID, payload, err := decodeCustomMsg(params.Peer_id, params.Payload)
		if err != nil {
			c.log.Warnf("upstream: custommsg decode: %v", err)
			c.reply(params.ID, continueResult())
			return
		}
		c.events <- Event{Kind: EventCustomMsg, PeerID: peerID, Payload: payload}
		c.reply(params.ID, continueResult())

	case "htlc_accepted":
		var params struct {
			ID    int64 `json:"id"`
			Onion struct {
				ShortChannelID    string `json:"short_channel_id"`
				ForwardAmount     string `json:"forward_amount"`
				OutgoingCltvValue uint32 `json:"outgoing_cltv_value"`
				NextOnion         string `json:"next_onion"`
			} `json:"onion"`
			Htlc struct {
				ID          uint64 `json:"id"`
				PaymentHash string `json:"payment_hash"`
			} `json:"htlc"`
		}
		if err := parseParams(line, &params); err != nil {
			c.log.Warnf("upstream: htlc_accepted: %v", err)
			c.reply(params.ID, continueResult())
			return
		}

		scid, err := strconv.ParseUint(params.Onion.ShortChannelID, 10, 64)
		amt, amtErr := parseMsatString(params.Onion.ForwardAmount)
		hash, hashErr := hexTo32(params.Htlc.PaymentHash)
		onionRaw, onionErr := hex.DecodeString(params.Onion.NextOnion)
		if err != nil || amtErr != nil || hashErr != nil || onionErr != nil || len(onionRaw) != hcwire.OnionPacketSize {
			// Not a hosted-channel-bound htlc (no matching scid, or a
			// malformed onion) -- let CLN continue its own routing.
			c.reply(params.ID, continueResult())
			return
		}
		var onionPkt [hcwire.OnionPacketSize]byte
		copy(onionPkt[:], onionRaw)

		c.events <- Event{Kind: EventHtlcAccepted, HtlcAccepted: &HtlcAccepted{
			Scid:        hcwire.ShortChannelID(scid),
			IncomingID:  params.Htlc.ID,
			AmountMsat:  amt,
			PaymentHash: hash,
			CltvExpiry:  params.Onion.OutgoingCltvValue,
			OnionPacket: onionPkt,
		}}
		c.reply(params.ID, continueResult())

	case "sendpay_success", "sendpay_failure":
		var params struct {
			SendpaySuccess *sendpayNotification `json:"sendpay_success"`
			SendpayFailure *sendpayNotification `json:"sendpay_failure"`
		}
		if err := parseParams(line, &params); err != nil {
			c.log.Warnf("upstream: %s: %v", method, err)
			return
		}
		n := params.SendpaySuccess
		if n == nil {
			n = params.SendpayFailure
		}
		if n == nil {
			return
		}
		hash, err := hexTo32(n.PaymentHash)
		if err != nil {
			return
		}
		c.sentMu.Lock()
		p, ok := c.sent[hash]
		if ok {
			delete(c.sent, hash)
		}
		c.sentMu.Unlock()
		if !ok {
			return
		}

		result := &PaymentResult{Scid: p.Scid, HtlcID: p.HtlcID, PaymentHash: hash}
		kind := EventSendPayFailure
		if method == "sendpay_success" {
			kind = EventSendPaySuccess
			result.Success = true
			if raw, err := hex.DecodeString(n.PaymentPreimage); err == nil && len(raw) == 32 {
				copy(result.Preimage[:], raw)
			}
		}
		c.events <- Event{Kind: kind, PaymentResult: result}

	default:
		c.commandsMu.Lock()
		handler, ok := c.commands[method]
		c.commandsMu.Unlock()
		if !ok {
			c.log.Debugf("upstream: unhandled inbound method %q", method)
			return
		}

		var envelope struct {
			ID     int64           `json:"id"`
			Params json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(line, &envelope)

		result, err := handler(envelope.Params)
		if err != nil {
			c.replyError(envelope.ID, err)
			return
		}
		c.reply(envelope.ID, result)
	}
}

func (c *Client) replyError(id int64, err error) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: -1, Message: err.Error()}}
	data, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		c.log.Errorf("upstream: marshal error reply: %v", marshalErr)
		return
	}
	data = append(data, '\n')
	c.wMu.Lock()
	defer c.wMu.Unlock()
	if _, werr := c.w.Write(data); werr != nil {
		c.log.Errorf("upstream: write error reply: %v", werr)
	}
}

// sendpayNotification is the common shape of CLN's sendpay_success and
// sendpay_failure notification payloads.
type sendpayNotification struct {
	PaymentHash     string `json:"payment_hash"`
	PaymentPreimage string `json:"payment_preimage"`
}

func parseMsatString(s string) (hcwire.MilliSatoshi, error) {
	s = strings.TrimSuffix(s, "msat")
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return hcwire.MilliSatoshi(v), nil
}

func hexTo32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("expected 32-byte hex, got %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

func parseParams(line []byte, out interface{}) error {
	var envelope struct {
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return err
	}
	return json.Unmarshal(envelope.Params, out)
}

func continueResult() map[string]string {
	return map[string]string{"result": "continue"}
}

func (c *Client) reply(id int64, result interface{}) {
	data, err := json.Marshal(result)
	if err != nil {
		c.log.Errorf("upstream: marshal reply: %v", err)
		return
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Result: data}
	out, err := json.Marshal(resp)
	if err != nil {
		c.log.Errorf("upstream: marshal reply envelope: %v", err)
		return
	}
	out = append(out, '\n')

	c.wMu.Lock()
	defer c.wMu.Unlock()
	if _, err := c.w.Write(out); err != nil {
		c.log.Errorf("upstream: write reply: %v", err)
	}
}

func decodeCustomMsg(peerIDHex, payloadHex string) ([33]byte, []byte, error) {
	var peerID [33]byte
	raw, err := hex.DecodeString(peerIDHex)
	if err != nil || len(raw) != 33 {
		return peerID, nil, fmt.Errorf("bad peer_id %q", peerIDHex)
	}
	copy(peerID[:], raw)

	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		return peerID, nil, fmt.Errorf("bad payload %q", payloadHex)
	}
	return peerID, payload, nil
}

func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) BlockHeight(ctx context.Context) (uint32, error) {
	var out struct {
		Blockheight uint32 `json:"blockheight"`
	}
	if err := c.call(ctx, "getinfo", nil, &out); err != nil {
		return 0, err
	}
	atomic.StoreUint32(&c.height, out.Blockheight)
	return out.Blockheight, nil
}

func (c *Client) ChainHash(ctx context.Context) (chainhash.Hash, error) {
	if c.chain != (chainhash.Hash{}) {
		return c.chain, nil
	}
	var out struct {
		Network string `json:"network"`
	}
	if err := c.call(ctx, "getinfo", nil, &out); err != nil {
		return chainhash.Hash{}, err
	}
	switch out.Network {
	case "bitcoin":
		c.chain = *chaincfg.MainNetParams.GenesisHash
	case "testnet":
		c.chain = *chaincfg.TestNet3Params.GenesisHash
	case "signet":
		c.chain = *chaincfg.SigNetParams.GenesisHash
	case "regtest":
		c.chain = *chaincfg.RegressionNetParams.GenesisHash
	default:
		return chainhash.Hash{}, fmt.Errorf("upstream: unknown network %q", out.Network)
	}
	return c.chain, nil
}

func (c *Client) NodeKey(ctx context.Context) (*btcec.PrivateKey, error) {
	return c.nodeKey, nil
}

// SetNodeKey installs the node's signing key, read once at init time
// from the secret configured for this plugin. CLN does not hand plugins
// its HSM secret directly; the key material is supplied out of band by
// whatever wraps this plugin (see cmd/hcplugind).
func (c *Client) SetNodeKey(key *btcec.PrivateKey) { c.nodeKey = key }

func (c *Client) SendCustomMessage(ctx context.Context, peerID [33]byte, payload []byte) error {
	params := map[string]string{
		"node_id": hex.EncodeToString(peerID[:]),
		"msg":     hex.EncodeToString(payload),
	}
	return c.call(ctx, "sendcustommsg", params, nil)
}

func (c *Client) SendOnion(ctx context.Context, scid hcwire.ShortChannelID, htlcID uint64,
	amountMsat hcwire.MilliSatoshi, paymentHash [32]byte, cltvExpiry uint32,
	onion [hcwire.OnionPacketSize]byte) error {

	c.sentMu.Lock()
	c.sent[paymentHash] = pendingSend{Scid: scid, HtlcID: htlcID}
	c.sentMu.Unlock()

	params := map[string]interface{}{
		"first_hop": map[string]interface{}{
			"channel":     scid.String(),
			"amount_msat": uint64(amountMsat),
			"delay":       cltvExpiry,
		},
		"payment_hash": hex.EncodeToString(paymentHash[:]),
		"onion":        hex.EncodeToString(onion[:]),
	}
	if err := c.call(ctx, "sendonion", params, nil); err != nil {
		c.sentMu.Lock()
		delete(c.sent, paymentHash)
		c.sentMu.Unlock()
		return err
	}
	return nil
}

// InspectPayment polls sendpay's own status call up to maxInspectRetries
// times, one second apart, converting a terminal "pending" into
// InspectFailed rather than blocking forever -- the bounded-retry
// resolution to spec.md's open question on reconnection races between a
// forwarded payment and our restart.
func (c *Client) InspectPayment(ctx context.Context, scid hcwire.ShortChannelID, htlcID uint64,
	paymentHash [32]byte) (InspectStatus, *PaymentResult, error) {

	for attempt := 0; attempt < maxInspectRetries; attempt++ {
		status, result, err := c.inspectOnce(ctx, scid, htlcID, paymentHash)
		if err != nil {
			return InspectUnknown, nil, err
		}
		if status != InspectPending {
			return status, result, nil
		}

		select {
		case <-ctx.Done():
			return InspectUnknown, nil, ctx.Err()
		case <-time.After(inspectRetryInterval):
		}
	}
	return InspectFailed, &PaymentResult{Scid: scid, HtlcID: htlcID, PaymentHash: paymentHash}, nil
}

func (c *Client) inspectOnce(ctx context.Context, scid hcwire.ShortChannelID, htlcID uint64,
	paymentHash [32]byte) (InspectStatus, *PaymentResult, error) {

	params := map[string]string{"payment_hash": hex.EncodeToString(paymentHash[:])}
	var out struct {
		Payments []struct {
			Status         string `json:"status"`
			Payment_preimage string `json:"payment_preimage"`
		} `json:"payments"`
	}
	if err := c.call(ctx, "listsendpays", params, &out); err != nil {
		return InspectUnknown, nil, err
	}
	if len(out.Payments) == 0 {
		return InspectPending, nil, nil
	}

	p := out.Payments[len(out.Payments)-1]
	switch p.Status {
	case "complete":
		result := &PaymentResult{Scid: scid, HtlcID: htlcID, PaymentHash: paymentHash, Success: true}
		if raw, err := hex.DecodeString(p.Payment_preimage); err == nil && len(raw) == 32 {
			copy(result.Preimage[:], raw)
		}
		return InspectComplete, result, nil
	case "failed":
		return InspectFailed, &PaymentResult{Scid: scid, HtlcID: htlcID, PaymentHash: paymentHash}, nil
	default:
		return InspectPending, nil, nil
	}
}
