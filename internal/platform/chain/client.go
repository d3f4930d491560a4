package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	loancrypto "github.com/alanyoungcy/loanledger/internal/crypto"
	"github.com/alanyoungcy/loanledger/internal/domain"
)

// Client talks to the lending-ledger contract over JSON-RPC. Reads retry
// with exponential backoff; exhausted retries surface
// domain.ErrLedgerUnavailable so callers know to skip the cycle rather
// than fail hard.
type Client struct {
	eth      *ethclient.Client
	abi      abi.ABI
	contract common.Address
	token    common.Address
	signer   *loancrypto.Signer
	cfg      ClientConfig
	logger   *slog.Logger
}

// New dials the RPC endpoint and prepares the contract binding. The signer
// may be nil for read-only deployments (sync mode); writes then fail fast.
func New(ctx context.Context, cfg ClientConfig, signer *loancrypto.Signer, logger *slog.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("chain: invalid contract address %q", cfg.ContractAddress)
	}
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500_000
	}
	c := &Client{
		eth:      eth,
		abi:      mustParseABI(),
		contract: common.HexToAddress(cfg.ContractAddress),
		signer:   signer,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "chain")),
	}
	if common.IsHexAddress(cfg.CollateralToken) {
		c.token = common.HexToAddress(cfg.CollateralToken)
	}
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// ContractAddress returns the monitored contract in checksummed hex form.
func (c *Client) ContractAddress() string {
	return c.contract.Hex()
}

// MaxBlockRange returns the provider's maximum queryable span per call.
func (c *Client) MaxBlockRange() uint64 {
	return c.cfg.MaxBlockRange
}

func retry[T any](ctx context.Context, maxTries uint, op backoff.Operation[T]) (T, error) {
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries),
	)
	if err != nil && ctx.Err() == nil {
		err = errors.Join(domain.ErrLedgerUnavailable, err)
	}
	return out, err
}

// LatestConfirmedBlock returns head minus the configured confirmation depth.
func (c *Client) LatestConfirmedBlock(ctx context.Context) (uint64, error) {
	head, err := retry(ctx, c.cfg.MaxRetries, func() (uint64, error) {
		return c.eth.BlockNumber(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	if head < c.cfg.Confirmations {
		return 0, nil
	}
	return head - c.cfg.Confirmations, nil
}

// FilterEvents reads and decodes all ledger events in [fromBlock, toBlock].
// Envelopes are returned in ledger order (block number, then log index) and
// carry the block timestamp as the authoritative event time.
func (c *Client) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]domain.Envelope, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
	}
	logs, err := retry(ctx, c.cfg.MaxRetries, func() ([]types.Log, error) {
		return c.eth.FilterLogs(ctx, query)
	})
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs [%d,%d]: %w", fromBlock, toBlock, err)
	}

	blockTimes := make(map[uint64]time.Time)
	envelopes := make([]domain.Envelope, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		payload, err := c.decodeLog(lg)
		if err != nil {
			return nil, err
		}
		if payload == nil {
			continue
		}

		ts, ok := blockTimes[lg.BlockNumber]
		if !ok {
			header, err := retry(ctx, c.cfg.MaxRetries, func() (*types.Header, error) {
				return c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			})
			if err != nil {
				return nil, fmt.Errorf("chain: header %d: %w", lg.BlockNumber, err)
			}
			ts = time.Unix(int64(header.Time), 0).UTC()
			blockTimes[lg.BlockNumber] = ts
		}

		envelopes = append(envelopes, domain.Envelope{
			Meta: domain.EventMeta{
				TxHash:      lg.TxHash.Hex(),
				LogIndex:    lg.Index,
				BlockNumber: lg.BlockNumber,
				BlockTime:   ts,
			},
			Payload: payload,
		})
	}

	sort.Slice(envelopes, func(i, j int) bool {
		a, b := envelopes[i].Meta, envelopes[j].Meta
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
	return envelopes, nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &c.contract, Data: input}
	out, err := retry(ctx, c.cfg.MaxRetries, func() ([]byte, error) {
		return c.eth.CallContract(ctx, msg, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	res, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return res, nil
}

// GetPosition reads the contract's current view of a position.
func (c *Client) GetPosition(ctx context.Context, positionID int64) (PositionState, error) {
	res, err := c.call(ctx, "getPosition", big.NewInt(positionID))
	if err != nil {
		return PositionState{}, err
	}
	if len(res) != 8 {
		return PositionState{}, fmt.Errorf("chain: getPosition returned %d values", len(res))
	}
	owner, _ := res[0].(common.Address)
	statusCode, _ := res[6].(uint8)
	defaulted, _ := res[7].(bool)
	status, ok := statusByCode[statusCode]
	if !ok {
		return PositionState{}, fmt.Errorf("chain: unknown position status code %d", statusCode)
	}
	return PositionState{
		Owner:              owner.Hex(),
		CollateralAmount:   dataInt64(res, 1),
		CollateralValueUSD: dataInt64(res, 2),
		DebtPrincipal:      dataInt64(res, 3),
		InterestAccrued:    dataInt64(res, 4),
		InitialLTV:         dataInt64(res, 5),
		Status:             status,
		IsDefaulted:        defaulted,
	}, nil
}

// GetRepaymentPlan reads the contract's current view of a repayment plan.
func (c *Client) GetRepaymentPlan(ctx context.Context, positionID int64) (PlanState, error) {
	res, err := c.call(ctx, "getRepaymentPlan", big.NewInt(positionID))
	if err != nil {
		return PlanState{}, err
	}
	if len(res) != 6 {
		return PlanState{}, fmt.Errorf("chain: getRepaymentPlan returned %d values", len(res))
	}
	active, _ := res[5].(bool)
	return PlanState{
		NumberOfInstallments: int(dataInt64(res, 0)),
		InstallmentInterval:  time.Duration(dataInt64(res, 1)) * time.Second,
		InstallmentsPaid:     int(dataInt64(res, 2)),
		MissedPayments:       int(dataInt64(res, 3)),
		NextPaymentDue:       time.Unix(dataInt64(res, 4), 0).UTC(),
		IsActive:             active,
	}, nil
}

// GetCollateralValuation reads the USD valuation of the collateral token.
func (c *Client) GetCollateralValuation(ctx context.Context) (int64, error) {
	res, err := c.call(ctx, "getCollateralValuation", c.token)
	if err != nil {
		return 0, err
	}
	return dataInt64(res, 0), nil
}

// submit packs, signs, and broadcasts a contract write, returning the
// transaction hash without waiting for inclusion.
func (c *Client) submit(ctx context.Context, method string, args ...any) (string, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("chain: pack %s: %w", method, err)
	}
	if c.signer == nil {
		return "", fmt.Errorf("chain: %s: no signer configured", method)
	}

	from := c.signer.Address()
	nonce, err := retry(ctx, c.cfg.MaxRetries, func() (uint64, error) {
		return c.eth.PendingNonceAt(ctx, from)
	})
	if err != nil {
		return "", fmt.Errorf("chain: nonce for %s: %w", method, err)
	}
	gasPrice, err := retry(ctx, c.cfg.MaxRetries, func() (*big.Int, error) {
		return c.eth.SuggestGasPrice(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("chain: gas price for %s: %w", method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      c.cfg.GasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := c.signer.SignTx(tx)
	if err != nil {
		return "", err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: send %s: %w", method, errors.Join(domain.ErrLedgerUnavailable, err))
	}

	hash := signed.Hash().Hex()
	c.logger.InfoContext(ctx, "transaction submitted",
		slog.String("method", method),
		slog.String("tx_hash", hash),
	)
	return hash, nil
}

// WaitConfirmed polls for the transaction receipt within the configured
// confirmation timeout and fails on a reverted execution.
func (c *Client) WaitConfirmed(ctx context.Context, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("chain: transaction %s reverted", txHash)
			}
			return nil
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet.
		default:
			c.logger.WarnContext(ctx, "receipt poll failed",
				slog.String("tx_hash", txHash),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("chain: confirm %s: %w", txHash, errors.Join(domain.ErrLedgerUnavailable, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// Borrow draws debt against a position's collateral on chain.
func (c *Client) Borrow(ctx context.Context, positionID, amount int64, loanDuration time.Duration, installments int) (string, error) {
	return c.submit(ctx, "borrow",
		big.NewInt(positionID),
		big.NewInt(amount),
		big.NewInt(int64(loanDuration/time.Second)),
		big.NewInt(int64(installments)),
	)
}

// Repay pays down a position's outstanding debt on chain.
func (c *Client) Repay(ctx context.Context, positionID, amount int64) (string, error) {
	return c.submit(ctx, "repay", big.NewInt(positionID), big.NewInt(amount))
}

// MarkMissedPayment records a missed installment on chain.
func (c *Client) MarkMissedPayment(ctx context.Context, positionID int64) (string, error) {
	return c.submit(ctx, "markMissedPayment", big.NewInt(positionID))
}

// MarkDefaulted flags a position as defaulted on chain.
func (c *Client) MarkDefaulted(ctx context.Context, positionID int64) (string, error) {
	return c.submit(ctx, "markDefaulted", big.NewInt(positionID))
}

// LiquidatePosition seizes collateral and lists it under listingID.
func (c *Client) LiquidatePosition(ctx context.Context, positionID, listingID int64) (string, error) {
	return c.submit(ctx, "liquidatePosition", big.NewInt(positionID), big.NewInt(listingID))
}

// SettleLiquidation asks the contract to pay out accumulated sale proceeds.
func (c *Client) SettleLiquidation(ctx context.Context, positionID int64) (string, error) {
	return c.submit(ctx, "settleLiquidation", big.NewInt(positionID))
}
