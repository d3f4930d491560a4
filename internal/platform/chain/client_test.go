package chain

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readOnlyClient builds a client with no RPC connection and no signer. Write
// calls still pack their call data, so argument shapes are checked against
// the ABI before the missing signer aborts the submission.
func readOnlyClient() *Client {
	return &Client{
		abi:    mustParseABI(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestWritesPackArgsAndRequireSigner(t *testing.T) {
	c := readOnlyClient()
	ctx := context.Background()

	calls := map[string]func() (string, error){
		"borrow": func() (string, error) {
			return c.Borrow(ctx, 42, 50_000_000, 30*24*time.Hour, 6)
		},
		"repay": func() (string, error) {
			return c.Repay(ctx, 42, 8_333_333)
		},
		"markMissedPayment": func() (string, error) {
			return c.MarkMissedPayment(ctx, 42)
		},
		"markDefaulted": func() (string, error) {
			return c.MarkDefaulted(ctx, 42)
		},
		"liquidatePosition": func() (string, error) {
			return c.LiquidatePosition(ctx, 42, 7)
		},
		"settleLiquidation": func() (string, error) {
			return c.SettleLiquidation(ctx, 42)
		},
	}

	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			_, err := call()
			require.Error(t, err)
			// Packing succeeded; the submission stopped at the signer check.
			assert.NotContains(t, err.Error(), "pack")
			assert.Contains(t, err.Error(), "no signer configured")
		})
	}
}
