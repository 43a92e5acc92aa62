package config

import (
	"fmt"
	"strings"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	if cfg.Masternode.Enabled {
		switch MasternodeTier(strings.ToLower(cfg.Masternode.Tier)) {
		case TierFree, TierBronze, TierSilver, TierGold:
		default:
			return fmt.Errorf("masternode.tier must be one of free, bronze, silver, gold")
		}
		if MasternodeTier(strings.ToLower(cfg.Masternode.Tier)) != TierFree && cfg.Masternode.CollateralOutpoint == "" {
			return fmt.Errorf("masternode.collateral is required for non-free tiers")
		}
		if cfg.Masternode.RewardAddress == "" {
			return fmt.Errorf("masternode.reward is required when masternode.enabled")
		}
	}

	return nil
}
