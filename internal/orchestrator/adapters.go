package orchestrator

import (
	"context"
	"fmt"

	"github.com/cryptopulse/signalpipe/internal/providers/market"
	"github.com/cryptopulse/signalpipe/internal/providers/security"
	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

// SecurityProviderAdapter narrows *security.Client's providers.Result-
// returning TokenSecurity down to the bare security.Payload
// cards.SecurityProvider expects; the card builder only ever renders the
// payload itself; the Source/Cache/Degrade envelope is already accounted
// for upstream, by the enrichment scan that persisted the row the builder
// is now reading back.
type SecurityProviderAdapter struct {
	client *security.Client
}

// NewSecurityProvider builds the cards.SecurityProvider adapter for c.
func NewSecurityProvider(c *security.Client) *SecurityProviderAdapter {
	return &SecurityProviderAdapter{client: c}
}

func (a *SecurityProviderAdapter) TokenSecurity(ctx context.Context, chainID, address string) (security.Payload, error) {
	res, err := a.client.TokenSecurity(ctx, chainID, address)
	if err != nil {
		return security.Payload{}, err
	}
	payload, ok := res.Payload.(security.Payload)
	if !ok {
		return security.Payload{}, apperrors.Wrap(apperrors.KindParse, "security result payload", fmt.Errorf("unexpected type %T", res.Payload))
	}
	return payload, nil
}

// MarketProviderAdapter is SecurityProviderAdapter's counterpart for
// *market.Client.
type MarketProviderAdapter struct {
	client *market.Client
}

// NewMarketProvider builds the cards.MarketProvider adapter for c.
func NewMarketProvider(c *market.Client) *MarketProviderAdapter {
	return &MarketProviderAdapter{client: c}
}

func (a *MarketProviderAdapter) Snapshot(ctx context.Context, chain, contract string) (market.Payload, error) {
	res, err := a.client.Snapshot(ctx, chain, contract)
	if err != nil {
		return market.Payload{}, err
	}
	payload, ok := res.Payload.(market.Payload)
	if !ok {
		return market.Payload{}, apperrors.Wrap(apperrors.KindParse, "market result payload", fmt.Errorf("unexpected type %T", res.Payload))
	}
	return payload, nil
}
