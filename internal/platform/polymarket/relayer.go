package polymarket

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/copytrader/internal/domain"
)

// RelayerClient wraps the CLOB client for the gasless submission path. It
// adds no headers or configuration of its own. When using the relayer, the Polymarket infrastructure submits the
// on-chain transaction on the user's behalf, so the follower account does
// not need to hold MATIC for gas.
type RelayerClient struct {
	clobClient *ClobClient
}

// NewRelayerClient creates a RelayerClient that wraps the given ClobClient.
func NewRelayerClient(clobClient *ClobClient) *RelayerClient {
	return &RelayerClient{
		clobClient: clobClient,
	}
}

// SubmitGasless checks that the sub-order is signed and carries a tokenID,
// maker/taker amounts and a wallet, then passes it unchanged to the CLOB
// client's PlaceMarketOrder.
func (r *RelayerClient) SubmitGasless(ctx context.Context, req domain.OrderRequest, wallet string) (domain.OrderResult, error) {
	if req.Signature == "" {
		return domain.OrderResult{}, fmt.Errorf("polymarket/relayer: %w: order must be signed", domain.ErrInvalidOrder)
	}
	if req.TokenID == "" {
		return domain.OrderResult{}, fmt.Errorf("polymarket/relayer: %w: tokenID required", domain.ErrInvalidOrder)
	}
	if req.MakerAmount == nil || req.TakerAmount == nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/relayer: %w: maker/taker amounts required", domain.ErrInvalidOrder)
	}
	if wallet == "" {
		return domain.OrderResult{}, fmt.Errorf("polymarket/relayer: %w: wallet address required", domain.ErrInvalidOrder)
	}

	result, err := r.clobClient.PlaceMarketOrder(ctx, req, wallet)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/relayer: gasless submit: %w", err)
	}

	return result, nil
}
