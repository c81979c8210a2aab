package config

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/potluck-btc/potluck/pkg/relaypool"
)

// ChainParams maps the configured network name to chain parameters.
func (c Config) ChainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "", "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

// Endpoints converts the relay list into pool endpoints. Unknown priorities
// fall back to medium.
func (c Config) Endpoints() []relaypool.Endpoint {
	out := make([]relaypool.Endpoint, 0, len(c.Relays))
	for _, r := range c.Relays {
		ep := relaypool.Endpoint{URL: r.URL, Priority: relaypool.PriorityMedium}
		switch r.Priority {
		case "high":
			ep.Priority = relaypool.PriorityHigh
		case "low":
			ep.Priority = relaypool.PriorityLow
		}
		out = append(out, ep)
	}
	return out
}
