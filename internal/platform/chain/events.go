package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

// ledgerABI describes the slice of the lending contract this service talks
// to: the emitted event set and the read/write entry points.
const ledgerABI = `[
  {"type":"event","name":"PositionCreated","inputs":[{"name":"positionId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"collateralAmount","type":"uint256","indexed":false},{"name":"collateralValueUSD","type":"uint256","indexed":false},{"name":"initialLTV","type":"uint256","indexed":false}]},
  {"type":"event","name":"USDCBorrowed","inputs":[{"name":"positionId","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"loanDuration","type":"uint256","indexed":false},{"name":"installments","type":"uint256","indexed":false}]},
  {"type":"event","name":"RepaymentPlanCreated","inputs":[{"name":"positionId","type":"uint256","indexed":true},{"name":"totalDebt","type":"uint256","indexed":false},{"name":"installments","type":"uint256","indexed":false},{"name":"installmentInterval","type":"uint256","indexed":false}]},
  {"type":"event","name":"LoanRepaid","inputs":[{"name":"positionId","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"MissedPaymentMarked","inputs":[{"name":"positionId","type":"uint256","indexed":true},{"name":"installmentNumber","type":"uint256","indexed":false}]},
  {"type":"event","name":"PositionDefaulted","inputs":[{"name":"positionId","type":"uint256","indexed":true}]},
  {"type":"event","name":"PositionLiquidated","inputs":[{"name":"positionId","type":"uint256","indexed":true},{"name":"listingId","type":"uint256","indexed":false}]},
  {"type":"event","name":"LiquidationSettled","inputs":[{"name":"positionId","type":"uint256","indexed":true},{"name":"amountReceived","type":"uint256","indexed":false}]},
  {"type":"event","name":"CollateralWithdrawn","inputs":[{"name":"positionId","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"function","name":"getPosition","stateMutability":"view","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[{"name":"owner","type":"address"},{"name":"collateralAmount","type":"uint256"},{"name":"collateralValueUSD","type":"uint256"},{"name":"debtPrincipal","type":"uint256"},{"name":"interestAccrued","type":"uint256"},{"name":"initialLTV","type":"uint256"},{"name":"status","type":"uint8"},{"name":"isDefaulted","type":"bool"}]},
  {"type":"function","name":"getRepaymentPlan","stateMutability":"view","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[{"name":"installments","type":"uint256"},{"name":"installmentInterval","type":"uint256"},{"name":"installmentsPaid","type":"uint256"},{"name":"missedPayments","type":"uint256"},{"name":"nextPaymentDue","type":"uint256"},{"name":"isActive","type":"bool"}]},
  {"type":"function","name":"getCollateralValuation","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"valueUSD","type":"uint256"}]},
  {"type":"function","name":"borrow","stateMutability":"nonpayable","inputs":[{"name":"positionId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"loanDuration","type":"uint256"},{"name":"installments","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"repay","stateMutability":"nonpayable","inputs":[{"name":"positionId","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"markMissedPayment","stateMutability":"nonpayable","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"markDefaulted","stateMutability":"nonpayable","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"liquidatePosition","stateMutability":"nonpayable","inputs":[{"name":"positionId","type":"uint256"},{"name":"listingId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"settleLiquidation","stateMutability":"nonpayable","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[]}
]`

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ledgerABI))
	if err != nil {
		panic("chain: invalid ledger ABI: " + err.Error())
	}
	return parsed
}

// decodeLog turns a raw contract log into a typed domain event. Logs whose
// topic is not part of the event set return (nil, nil) so callers can skip
// unrelated contract noise.
func (c *Client) decodeLog(lg types.Log) (domain.Event, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}
	ev, err := c.abi.EventByID(lg.Topics[0])
	if err != nil {
		return nil, nil
	}
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("chain: event %s missing positionId topic", ev.Name)
	}
	positionID := new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64()

	data, err := c.abi.Unpack(ev.Name, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", ev.Name, err)
	}

	switch ev.Name {
	case "PositionCreated":
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("chain: PositionCreated missing owner topic")
		}
		return domain.PositionCreated{
			PositionID:         positionID,
			Owner:              common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			CollateralAmount:   dataInt64(data, 0),
			CollateralValueUSD: dataInt64(data, 1),
			InitialLTV:         dataInt64(data, 2),
		}, nil
	case "USDCBorrowed":
		return domain.USDCBorrowed{
			PositionID:   positionID,
			Amount:       dataInt64(data, 0),
			LoanDuration: time.Duration(dataInt64(data, 1)) * time.Second,
			Installments: int(dataInt64(data, 2)),
		}, nil
	case "RepaymentPlanCreated":
		return domain.RepaymentPlanCreated{
			PositionID:   positionID,
			TotalDebt:    dataInt64(data, 0),
			Installments: int(dataInt64(data, 1)),
			Interval:     time.Duration(dataInt64(data, 2)) * time.Second,
		}, nil
	case "LoanRepaid":
		return domain.LoanRepaid{PositionID: positionID, Amount: dataInt64(data, 0)}, nil
	case "MissedPaymentMarked":
		return domain.MissedPaymentMarked{PositionID: positionID, InstallmentNumber: int(dataInt64(data, 0))}, nil
	case "PositionDefaulted":
		return domain.PositionDefaulted{PositionID: positionID}, nil
	case "PositionLiquidated":
		return domain.PositionLiquidated{PositionID: positionID, ListingID: dataInt64(data, 0)}, nil
	case "LiquidationSettled":
		return domain.LiquidationSettled{PositionID: positionID, AmountReceived: dataInt64(data, 0)}, nil
	case "CollateralWithdrawn":
		return domain.CollateralWithdrawn{PositionID: positionID, Amount: dataInt64(data, 0)}, nil
	default:
		return nil, nil
	}
}

// dataInt64 reads the i-th unpacked output as int64. Out-of-range values
// are clamped to zero; amounts beyond int64 do not occur with 6-decimal
// USDC units.
func dataInt64(data []any, i int) int64 {
	if i >= len(data) {
		return 0
	}
	v, ok := data[i].(*big.Int)
	if !ok || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}
