package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"vault-rebalancer/internal/version"
)

// Signer produces signed transactions for a single sending address.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSigner holds an operator key in process.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalSigner parses a hex-encoded secp256k1 key, with or without 0x.
func NewLocalSigner(privateKeyHex string) (*LocalSigner, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key: %w", err)
	}
	return &LocalSigner{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *LocalSigner) Address() common.Address { return s.address }

func (s *LocalSigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// RemoteSignerOptions configure the delegated signing endpoint.
type RemoteSignerOptions struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// RemoteSigner asks the delegated signing service to sign a transaction digest on
// behalf of a PKP address, authorised by the vault owner's session JWT.
type RemoteSigner struct {
	opts   RemoteSignerOptions
	pkp    common.Address
	jwt    string
	client *http.Client
	logger zerolog.Logger
}

// NewRemoteSigner binds a signer to one PKP session.
func NewRemoteSigner(opts RemoteSignerOptions, pkpAddress common.Address, jwt string, logger zerolog.Logger) *RemoteSigner {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteSigner{
		opts:   opts,
		pkp:    pkpAddress,
		jwt:    jwt,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "remote_signer").Str("pkp", pkpAddress.Hex()).Logger(),
	}
}

func (s *RemoteSigner) Address() common.Address { return s.pkp }

type signRequest struct {
	PKPAddress string `json:"pkpAddress"`
	ChainID    string `json:"chainId"`
	Digest     string `json:"digest"`
}

type signResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error"`
}

// SignTx sends the signing digest to the service and attaches the returned signature.
// The recovered sender must match the PKP address.
func (s *RemoteSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.opts.Endpoint == "" {
		return nil, errors.New("chain: delegated signer endpoint not configured")
	}
	if s.jwt == "" {
		return nil, errors.New("chain: delegated signer session missing")
	}

	txSigner := types.LatestSignerForChainID(chainID)
	digest := txSigner.Hash(tx)

	body, err := json.Marshal(signRequest{
		PKPAddress: s.pkp.Hex(),
		ChainID:    chainID.String(),
		Digest:     digest.Hex(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.opts.Endpoint, "/")+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Authorization", "Bearer "+s.jwt)
	if s.opts.APIKey != "" {
		req.Header.Set("X-API-Key", s.opts.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("delegated sign: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var res signResponse
	if resp.StatusCode != http.StatusOK {
		if json.Unmarshal(raw, &res) == nil && res.Error != "" {
			return nil, fmt.Errorf("delegated sign (%d): %s", resp.StatusCode, res.Error)
		}
		return nil, fmt.Errorf("delegated sign (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}

	sig, err := hexutil.Decode(res.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("chain: signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return nil, err
	}
	sender, err := types.Sender(txSigner, signed)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	if sender != s.pkp {
		return nil, fmt.Errorf("chain: signature recovers to %s, expected %s", sender.Hex(), s.pkp.Hex())
	}
	s.logger.Debug().Str("digest", digest.Hex()).Msg("transaction signed")
	return signed, nil
}

var (
	_ Signer = (*LocalSigner)(nil)
	_ Signer = (*RemoteSigner)(nil)
)
