// Command hcplugind is a Core Lightning plugin that hosts channels for
// CLN's peers: off-chain, trust-based payment channels backed only by a
// sequence of mutually signed state snapshots, with no funding
// transaction. It speaks CLN's plugin protocol over stdin/stdout and the
// bLIP-0017 hosted-channel wire protocol over CLN's custommsg hook.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	flags "github.com/jessevdk/go-flags"

	"github.com/lnhosted/provider/channel"
	"github.com/lnhosted/provider/config"
	"github.com/lnhosted/provider/hcwire"
	"github.com/lnhosted/provider/master"
	"github.com/lnhosted/provider/secretstore"
	"github.com/lnhosted/provider/upstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hcplugind: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if _, err := flags.Parse(cfg); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	backend := btclog.NewBackend(os.Stderr)
	logger := backend.Logger("HCPL")
	logger.SetLevel(btclog.LevelInfo)
	upstreamLog := backend.Logger("UPST")
	channel.UseLogger(backend.Logger("CHAN"))
	master.UseLogger(backend.Logger("MSTR"))

	nodeKey, err := loadSigningKey(cfg.SigningKeyFile)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	secrets, err := buildSecretStore(cfg)
	if err != nil {
		return fmt.Errorf("building secret store: %w", err)
	}

	branding := &channel.Branding{
		ContactInfo: cfg.ContactURL,
		HexColor:    cfg.HexColor,
	}
	if cfg.LogoFile != "" {
		pixels, err := os.ReadFile(cfg.LogoFile)
		if err != nil {
			return fmt.Errorf("reading logo file: %w", err)
		}
		branding.ChannelLogo = pixels
	}

	client := upstream.NewClient(os.Stdout, upstreamLog, manifest)
	client.SetNodeKey(nodeKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	m, err := master.New(ctx, cfg, secrets, client, branding)
	if err != nil {
		return fmt.Errorf("initializing master: %w", err)
	}
	registerCommands(client, m, secrets)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- client.Run(ctx, os.Stdin) }()

	if err := m.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Errorf("master loop exited: %v", err)
	}
	cancel()
	return <-runErrCh
}

// loadSigningKey reads a 32-byte hex-encoded private key from path. An
// empty path or an unreadable file is an error, matching the teacher's
// convention of failing fast on a missing required credential rather
// than generating one silently.
func loadSigningKey(path string) (*btcec.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("no --signingkeyfile configured")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	keyHex := strings.TrimSpace(string(raw))
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil || len(keyBytes) != 32 {
		return nil, fmt.Errorf("signing key file must contain 32 bytes of hex")
	}
	priv := btcec.PrivKeyFromBytes(keyBytes)
	return priv, nil
}

func buildSecretStore(cfg *config.Config) (*secretstore.Store, error) {
	permanent := make([][]byte, 0, len(cfg.PermanentSecrets))
	for _, s := range cfg.PermanentSecrets {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("permanent secret %q is not valid hex: %w", s, err)
		}
		permanent = append(permanent, raw)
	}
	return secretstore.New(permanent), nil
}

// manifest builds CLN's getmanifest reply: the hooks, subscriptions, and
// custom RPC commands this plugin registers.
func manifest() interface{} {
	return map[string]interface{}{
		"dynamic": true,
		"options": []interface{}{},
		"rpcmethods": []map[string]string{
			{"name": "hc-list", "usage": "", "description": "list every hosted channel and its status"},
			{"name": "hc-channel", "usage": "peerid", "description": "show one hosted channel's status"},
			{"name": "hc-override", "usage": "peerid local_balance_msat", "description": "propose a balance override for a stuck channel"},
			{"name": "hc-request-channel", "usage": "peerid", "description": "request a peer host a channel for us"},
			{"name": "add-hc-secret", "usage": "secret_hex", "description": "register a one-shot invocation secret"},
			{"name": "remove-hc-secret", "usage": "secret_hex", "description": "remove a pending invocation secret"},
			{"name": "parse-lcss", "usage": "peerid", "description": "dump a channel's next state: its last cross-signed state with pending updates applied"},
		},
		"subscriptions": []string{"sendpay_success", "sendpay_failure", "connect", "disconnect"},
		"hooks": []map[string]string{
			{"name": "custommsg"},
			{"name": "htlc_accepted"},
		},
		"featurebits": map[string]interface{}{},
	}
}

func registerCommands(client *upstream.Client, m *master.Master, secrets *secretstore.Store) {
	client.RegisterCommand("hc-list", func(json.RawMessage) (interface{}, error) {
		out := make([]interface{}, 0)
		for _, c := range m.Channels() {
			out = append(out, channelSummary(c))
		}
		return map[string]interface{}{"channels": out}, nil
	})

	client.RegisterCommand("hc-channel", func(params json.RawMessage) (interface{}, error) {
		peerID, err := parsePeerIDParam(params)
		if err != nil {
			return nil, err
		}
		c := findChannel(m, peerID)
		if c == nil {
			return nil, fmt.Errorf("no hosted channel with peer %x", peerID)
		}
		return channelSummary(c), nil
	})

	client.RegisterCommand("hc-override", func(params json.RawMessage) (interface{}, error) {
		var args struct {
			PeerID           string `json:"peerid"`
			LocalBalanceMsat uint64 `json:"local_balance_msat"`
		}
		if err := json.Unmarshal(params, &args); err != nil {
			var list []string
			if err2 := json.Unmarshal(params, &list); err2 != nil || len(list) < 2 {
				return nil, fmt.Errorf("expects [peerid, local_balance_msat]")
			}
			args.PeerID = list[0]
			fmt.Sscanf(list[1], "%d", &args.LocalBalanceMsat)
		}
		peerID, err := decodePeerID(args.PeerID)
		if err != nil {
			return nil, err
		}
		c := findChannel(m, peerID)
		if c == nil {
			return nil, fmt.Errorf("no hosted channel with peer %x", peerID)
		}
		if err := c.ProposeOverride(context.Background(), hcwire.MilliSatoshi(args.LocalBalanceMsat)); err != nil {
			return nil, err
		}
		return map[string]string{"status": "proposed"}, nil
	})

	client.RegisterCommand("hc-request-channel", func(params json.RawMessage) (interface{}, error) {
		peerID, err := parsePeerIDParam(params)
		if err != nil {
			return nil, err
		}
		c := findChannel(m, peerID)
		if c == nil {
			return nil, fmt.Errorf("no channel handler allocated yet for peer %x", peerID)
		}
		chainHash, err := client.ChainHash(context.Background())
		if err != nil {
			return nil, err
		}
		if err := c.RequestHostedChannel(context.Background(), chainHash, nil); err != nil {
			return nil, err
		}
		return map[string]string{"status": "requested"}, nil
	})

	client.RegisterCommand("add-hc-secret", func(params json.RawMessage) (interface{}, error) {
		secret, err := parseHexParam(params)
		if err != nil {
			return nil, err
		}
		secrets.Add(secret)
		return map[string]string{"status": "added"}, nil
	})

	client.RegisterCommand("remove-hc-secret", func(params json.RawMessage) (interface{}, error) {
		secret, err := parseHexParam(params)
		if err != nil {
			return nil, err
		}
		secrets.Remove(secret)
		return map[string]string{"status": "removed"}, nil
	})

	client.RegisterCommand("parse-lcss", func(params json.RawMessage) (interface{}, error) {
		peerID, err := parsePeerIDParam(params)
		if err != nil {
			return nil, err
		}
		c := findChannel(m, peerID)
		if c == nil {
			return nil, fmt.Errorf("no hosted channel with peer %x", peerID)
		}
		next, err := c.LCSSNext()
		if err != nil {
			return nil, err
		}
		return next.ToWire(), nil
	})
}

func channelSummary(c *channel.Channel) map[string]interface{} {
	return map[string]interface{}{
		"short_channel_id": c.Scid().String(),
		"status":           c.Status().String(),
	}
}

func findChannel(m *master.Master, peerID [33]byte) *channel.Channel {
	return m.ChannelByPeerID(peerID)
}

func parsePeerIDParam(params json.RawMessage) ([33]byte, error) {
	var byName struct {
		PeerID string `json:"peerid"`
	}
	if err := json.Unmarshal(params, &byName); err == nil && byName.PeerID != "" {
		return decodePeerID(byName.PeerID)
	}
	var list []string
	if err := json.Unmarshal(params, &list); err == nil && len(list) >= 1 {
		return decodePeerID(list[0])
	}
	return [33]byte{}, fmt.Errorf("expects a peerid argument")
}

func parseHexParam(params json.RawMessage) ([]byte, error) {
	var byName struct {
		SecretHex string `json:"secret_hex"`
	}
	if err := json.Unmarshal(params, &byName); err == nil && byName.SecretHex != "" {
		return hex.DecodeString(byName.SecretHex)
	}
	var list []string
	if err := json.Unmarshal(params, &list); err == nil && len(list) >= 1 {
		return hex.DecodeString(list[0])
	}
	return nil, fmt.Errorf("expects a secret_hex argument")
}

func decodePeerID(s string) ([33]byte, error) {
	var out [33]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 33 {
		return out, fmt.Errorf("peerid must be 33 bytes of hex")
	}
	copy(out[:], raw)
	return out, nil
}
