package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrRPCFailure marks transient RPC errors. Callers retry with backoff; the
// failure is never surfaced to an unrelated request.
var ErrRPCFailure = errors.New("chain: rpc failure")

// Payment is one successful transfer observed to a watched address.
type Payment struct {
	TxHash      common.Hash
	BlockNumber uint64
	From        common.Address
	Amount      *big.Int // wei
}

// Reader is the chain capability the payment monitor consumes. The concrete
// Client talks JSON-RPC; tests substitute a scripted fake.
type Reader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	PaymentsTo(ctx context.Context, addr common.Address, fromBlock, toBlock uint64) ([]Payment, error)
}

// Client wraps go-ethereum's ethclient as a Reader.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
}

// Dial connects to the RPC endpoint and verifies it serves the configured
// chain. A chain-ID mismatch is a config error, not a transient one.
func Dial(ctx context.Context, rpcURL string, wantChainID int64) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	id, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if id.Int64() != wantChainID {
		return nil, fmt.Errorf("chain id mismatch: rpc serves %d, configured %d", id.Int64(), wantChainID)
	}
	return &Client{eth: eth, chainID: id}, nil
}

// ChainID returns the verified chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", ErrRPCFailure, err)
	}
	return n, nil
}

func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance %s: %v", ErrRPCFailure, addr.Hex(), err)
	}
	return bal, nil
}

// PaymentsTo scans blocks [fromBlock, toBlock] for successful value transfers
// to addr. Failed transactions are skipped via their receipts.
func (c *Client) PaymentsTo(ctx context.Context, addr common.Address, fromBlock, toBlock uint64) ([]Payment, error) {
	var out []Payment
	for n := fromBlock; n <= toBlock; n++ {
		block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, fmt.Errorf("%w: block %d: %v", ErrRPCFailure, n, err)
		}
		for _, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != addr || tx.Value().Sign() <= 0 {
				continue
			}
			receipt, err := c.eth.TransactionReceipt(ctx, tx.Hash())
			if err != nil {
				return nil, fmt.Errorf("%w: receipt %s: %v", ErrRPCFailure, tx.Hash().Hex(), err)
			}
			if receipt.Status != types.ReceiptStatusSuccessful {
				continue
			}
			from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
			if err != nil {
				from = common.Address{}
			}
			out = append(out, Payment{
				TxHash:      tx.Hash(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				From:        from,
				Amount:      new(big.Int).Set(tx.Value()),
			})
		}
	}
	return out, nil
}
