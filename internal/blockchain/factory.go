package blockchain

import (
	"context"
	"fmt"

	"github.com/loangraph/loansync/internal/config"
	"github.com/loangraph/loansync/internal/domain/loan"
)

// NewFromConfig resolves the loan schema and dials the configured node.
func NewFromConfig(ctx context.Context, cfg config.Config) (*Client, *Contract, error) {
	schema, err := loan.ParseSchema(cfg.LoanSchema)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid LOAN_SCHEMA: %w", err)
	}
	contract, err := NewContract(schema)
	if err != nil {
		return nil, nil, err
	}
	client, err := Dial(ctx, cfg.ChainRPCURL, cfg.ChainRPCTimeout)
	if err != nil {
		return nil, nil, err
	}
	return client, contract, nil
}
