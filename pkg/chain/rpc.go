package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/potluck-btc/potluck/pkg/logging"
)

// RPCClient implements Client against a bitcoind or btcd JSON-RPC endpoint.
type RPCClient struct {
	rpc *rpcclient.Client
	log *logging.Logger
}

// RPCConfig carries the node connection settings.
type RPCConfig struct {
	Host string
	User string
	Pass string
	// DisableTLS is set for plain-HTTP local nodes.
	DisableTLS bool
}

// NewRPCClient connects to the node in HTTP POST mode.
func NewRPCClient(cfg RPCConfig, log *logging.Logger) (*RPCClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		DisableTLS:   cfg.DisableTLS,
		HTTPPostMode: true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to node: %w", err)
	}
	if log == nil {
		log = logging.New(nil)
	}
	return &RPCClient{rpc: client, log: log.WithComponent("chain")}, nil
}

// Broadcast implements Client. Rejections surface as ErrRejected so the
// coordinator can distinguish a lost race from an outage.
func (c *RPCClient) Broadcast(_ context.Context, tx *wire.MsgTx) (string, error) {
	hash, err := c.rpc.SendRawTransaction(tx, false)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "txn-mempool-conflict") ||
			strings.Contains(msg, "bad-txns-inputs-missingorspent") ||
			strings.Contains(msg, "insufficient fee") {
			return "", fmt.Errorf("%w: %s", ErrRejected, msg)
		}
		return "", fmt.Errorf("broadcast: %w", err)
	}
	c.log.Info("transaction broadcast", "txid", hash.String())
	return hash.String(), nil
}

// scanResult is the subset of the scantxoutset response we consume.
type scanResult struct {
	Success     bool    `json:"success"`
	TotalAmount float64 `json:"total_amount"`
}

// Balance implements Client using scantxoutset, which needs no wallet or
// address index on the node.
func (c *RPCClient) Balance(_ context.Context, address string) (int64, error) {
	action, _ := json.Marshal("start")
	descriptors, _ := json.Marshal([]string{"addr(" + address + ")"})
	raw, err := c.rpc.RawRequest("scantxoutset", []json.RawMessage{action, descriptors})
	if err != nil {
		return 0, fmt.Errorf("scantxoutset: %w", err)
	}
	var result scanResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("decode scan result: %w", err)
	}
	if !result.Success {
		return 0, fmt.Errorf("scantxoutset did not complete")
	}
	amount, err := btcutil.NewAmount(result.TotalAmount)
	if err != nil {
		return 0, err
	}
	return int64(amount), nil
}

// Confirmations implements Client.
func (c *RPCClient) Confirmations(_ context.Context, txid string) (int64, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return 0, fmt.Errorf("parse txid: %w", err)
	}
	verbose, err := c.rpc.GetRawTransactionVerbose(hash)
	if err != nil {
		return 0, fmt.Errorf("lookup %s: %w", txid, err)
	}
	return int64(verbose.Confirmations), nil
}

// Close shuts the RPC connection down.
func (c *RPCClient) Close() {
	c.rpc.Shutdown()
}
