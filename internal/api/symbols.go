package api

import (
	"context"
	"fmt"
)

// SymbolResolver resolves the symbol set of a sequential fetch from the
// server's symbol master. It satisfies orchestrator.UnitResolver.
type SymbolResolver struct {
	Client *Client
	// Limit caps the number of symbols; zero leaves it to the server.
	Limit int
	// Market restricts symbols to one market category.
	Market string
}

func (r SymbolResolver) ResolveUnits(ctx context.Context) ([]string, error) {
	symbols, err := r.Client.Symbols(ctx, r.Limit, r.Market)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	return symbols, nil
}
