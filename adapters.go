// adapters.go provides the default implementations of the interfaces defined in deps.go.
package taskarmy

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Compile-time check that the go-ethereum client implements ChainClient
var _ ChainClient = (*ethclient.Client)(nil)

// DefaultDialer dials the endpoint with go-ethereum's ethclient and verifies that the
// node serves the expected chain. A zero ChainID on the endpoint skips the check.
func DefaultDialer(ctx context.Context, endpoint Endpoint) (ChainClient, error) {
	client, err := ethclient.DialContext(ctx, endpoint.URL)
	if err != nil {
		return nil, fmt.Errorf("couldn't dial %s: %w", endpoint.URL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("couldn't query chain id from %s: %w", endpoint.URL, err)
	}
	if endpoint.ChainID != 0 && chainID.Uint64() != endpoint.ChainID {
		client.Close()
		return nil, fmt.Errorf("%w: %s serves chain %d, expected %d", ErrChainIDMismatch, endpoint.URL, chainID.Uint64(), endpoint.ChainID)
	}
	return client, nil
}

// FixedPolicy is a non-interactive Prompter that always answers the same way.
type FixedPolicy struct {
	// Continue is returned by ConfirmContinue
	Continue bool
	// Cancel is returned by ConfirmCancel
	Cancel bool
}

func (p FixedPolicy) ConfirmContinue(ctx context.Context, reason string) (bool, error) {
	return p.Continue, nil
}

func (p FixedPolicy) ConfirmCancel(ctx context.Context) (bool, error) {
	return p.Cancel, nil
}

var _ Prompter = FixedPolicy{}
