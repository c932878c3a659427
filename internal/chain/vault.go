package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"vault-rebalancer/internal/planner"
	"vault-rebalancer/internal/saga"
)

// Token is a vault asset as configured.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals int32
}

// Vault is the on-chain vault contract plus the ERC-20 calls made by its operator.
type Vault struct {
	client  *Client
	address common.Address
	logger  zerolog.Logger
}

// NewVault binds a client to a vault contract address.
func NewVault(client *Client, address common.Address, logger zerolog.Logger) *Vault {
	return &Vault{
		client:  client,
		address: address,
		logger:  logger.With().Str("component", "vault").Str("vault", address.Hex()).Logger(),
	}
}

func (v *Vault) Address() common.Address { return v.address }

// Operator is the address withdrawals are sent to and swaps are made from.
func (v *Vault) Operator() common.Address { return v.client.Sender() }

// SyncBalance compares the vault's accounted balance with the token's actual
// balanceOf and logs any drift. Only read failures are returned.
func (v *Vault) SyncBalance(ctx context.Context, token common.Address) error {
	accounted, err := v.VaultBalance(ctx, token)
	if err != nil {
		return err
	}
	held, err := v.TokenBalance(ctx, token, v.address)
	if err != nil {
		return err
	}
	if accounted.Cmp(held) != 0 {
		v.logger.Warn().Str("token", token.Hex()).
			Str("accounted", accounted.String()).
			Str("held", held.String()).
			Msg("vault accounting differs from token balance")
	}
	return nil
}

func (v *Vault) IsTokenRegistered(ctx context.Context, token common.Address) (bool, error) {
	outputs, err := v.client.call(ctx, v.address, vaultABI, "isTokenRegistered", token)
	if err != nil {
		return false, err
	}
	if len(outputs) != 1 {
		return false, errors.New("unexpected isTokenRegistered response")
	}
	registered, ok := outputs[0].(bool)
	if !ok {
		return false, errors.New("failed to decode isTokenRegistered output")
	}
	return registered, nil
}

func (v *Vault) RegisterTokens(ctx context.Context, tokens []common.Address) (common.Hash, error) {
	if len(tokens) == 0 {
		return common.Hash{}, errors.New("no tokens to register")
	}
	return v.client.transact(ctx, v.address, vaultABI, "registerExistingTokens", tokens)
}

func (v *Vault) VaultBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	return v.client.callUint(ctx, v.address, vaultABI, "getBalance", token)
}

func (v *Vault) WithdrawTo(ctx context.Context, token common.Address, amount *big.Int, to common.Address) (common.Hash, error) {
	return v.client.transact(ctx, v.address, vaultABI, "withdrawTo", token, amount, to)
}

func (v *Vault) Deposit(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	return v.client.transact(ctx, v.address, vaultABI, "deposit", token, amount)
}

func (v *Vault) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return v.client.callUint(ctx, token, erc20ABI, "allowance", owner, spender)
}

// Approve is sent from the operator address.
func (v *Vault) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	return v.client.transact(ctx, token, erc20ABI, "approve", spender, amount)
}

func (v *Vault) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return v.client.callUint(ctx, token, erc20ABI, "balanceOf", owner)
}

// Decimals reads a token's decimals.
func (v *Vault) Decimals(ctx context.Context, token common.Address) (int32, error) {
	outputs, err := v.client.call(ctx, token, erc20ABI, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	return int32(d), nil
}

// Balances reads the vault's accounted balance of every configured token in order.
// A token with unknown decimals has them read from the chain.
func (v *Vault) Balances(ctx context.Context, tokens []Token) ([]planner.TokenBalance, error) {
	out := make([]planner.TokenBalance, 0, len(tokens))
	for _, t := range tokens {
		raw, err := v.VaultBalance(ctx, t.Address)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", t.Symbol, err)
		}
		decimals := t.Decimals
		if decimals <= 0 {
			if decimals, err = v.Decimals(ctx, t.Address); err != nil {
				return nil, fmt.Errorf("decimals of %s: %w", t.Symbol, err)
			}
		}
		out = append(out, planner.TokenBalance{
			Address:  t.Address.Hex(),
			Symbol:   t.Symbol,
			Raw:      raw,
			Decimals: decimals,
		})
	}
	return out, nil
}

var _ saga.VaultClient = (*Vault)(nil)
