package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/latticepay/internal/config"
	"github.com/mbd888/latticepay/internal/subscription"
	"github.com/mbd888/latticepay/internal/tokens"
)

// Seed bootstraps an environment: payment tokens, gateways (optionally with
// an API key), subscriptions and custody balances. Amounts are base-10
// strings of smallest units.
type Seed struct {
	Tokens []struct {
		Address  string `yaml:"address"`
		Symbol   string `yaml:"symbol"`
		Decimals int    `yaml:"decimals"`
		Price    string `yaml:"price"`
	} `yaml:"tokens"`
	Gateways []struct {
		Address     string `yaml:"address"`
		DailyLimit  string `yaml:"dailyLimit"`
		MetadataURI string `yaml:"metadataURI"`
		OpsPerHour  int64  `yaml:"opsPerHour"`
		KeyName     string `yaml:"keyName"` // issue an API key when set
	} `yaml:"gateways"`
	Subscriptions []struct {
		User      string            `yaml:"user"`
		Tier      subscription.Tier `yaml:"tier"`
		ExpiresAt time.Time         `yaml:"expiresAt"`
	} `yaml:"subscriptions"`
	Balances []struct {
		Account string `yaml:"account"`
		Token   string `yaml:"token"`
		Amount  string `yaml:"amount"`
	} `yaml:"balances"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}

// applySeed registers everything in seed. It is idempotent for tokens,
// gateways and subscriptions; balances are credited every time.
func (s *Server) applySeed(ctx context.Context, seed *Seed) error {
	for _, t := range seed.Tokens {
		if _, err := s.tokens.AddToken(ctx, &tokens.Token{Address: t.Address, Symbol: t.Symbol, Decimals: t.Decimals, Price: t.Price}); err != nil {
			return fmt.Errorf("seed token %s: %w", t.Symbol, err)
		}
	}
	for _, g := range seed.Gateways {
		if _, err := s.gateways.AddProfile(ctx, g.Address, config.Amount(g.DailyLimit), g.MetadataURI, g.OpsPerHour); err != nil {
			return fmt.Errorf("seed gateway %s: %w", g.Address, err)
		}
		if g.KeyName == "" {
			continue
		}
		raw, key, err := s.keys.GenerateKey(ctx, g.Address, g.KeyName)
		if err != nil {
			return fmt.Errorf("seed gateway key %s: %w", g.Address, err)
		}
		if s.cfg.IsProduction() {
			s.logger.Info("gateway API key issued", "gateway", g.Address, "key_id", key.ID)
		} else {
			s.logger.Warn("gateway API key issued", "gateway", g.Address, "key_id", key.ID, "api_key", raw)
		}
	}
	for _, sub := range seed.Subscriptions {
		if _, err := s.subscriptions.Grant(ctx, sub.User, sub.Tier, sub.ExpiresAt); err != nil {
			return fmt.Errorf("seed subscription %s: %w", sub.User, err)
		}
	}
	for _, b := range seed.Balances {
		if err := s.ledger.Credit(ctx, b.Account, b.Token, config.Amount(b.Amount), "seed"); err != nil {
			return fmt.Errorf("seed balance %s: %w", b.Account, err)
		}
	}
	s.logger.Info("seed applied",
		"tokens", len(seed.Tokens),
		"gateways", len(seed.Gateways),
		"subscriptions", len(seed.Subscriptions),
		"balances", len(seed.Balances),
	)
	return nil
}
