// Package ethadapter implements the Chain contract over go-ethereum's
// ethclient. Store submits a self-addressed transaction whose calldata is
// the payload; Fetch and Verify re-read the transaction by hash and
// recompute the digest over the returned calldata.
package ethadapter

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/eladmint/ziggurat-gateway/pkg/chainclient"
	"github.com/eladmint/ziggurat-gateway/pkg/xerrors"
)

// Client anchors opaque payloads as calldata on a self-addressed Ethereum
// transaction and reads them back by transaction hash.
type Client struct {
	rpc        *ethclient.Client
	privateKey *ecdsa.PrivateKey
	from       common.Address
	retry      chainclient.RetryPolicy

	// byDigest maps sha256(payload) to the transaction hash that stored it,
	// so Verify can locate the anchoring transaction from a proof hash alone.
	byDigest sync.Map // [32]byte -> string

	successes int64
	failures  int64
	lastRTT   time.Duration
}

// New dials rpcURL and derives the sender address from privateKeyHex.
func New(rpcURL, privateKeyHex string, retry chainclient.RetryPolicy) (*Client, error) {
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkError, "failed to dial ethereum rpc", err)
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBadConfig, "invalid ethereum private key", err)
	}
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, xerrors.New(xerrors.CodeBadConfig, "failed to derive public key")
	}
	addr := crypto.PubkeyToAddress(*pub)
	return &Client{rpc: rpc, privateKey: pk, from: addr, retry: retry}, nil
}

func (c *Client) Network() string { return "Ethereum" }

func (c *Client) Health(ctx context.Context) (chainclient.Health, error) {
	start := time.Now()
	block, err := c.rpc.BlockNumber(ctx)
	rtt := time.Since(start)
	c.lastRTT = rtt
	if err != nil {
		return chainclient.Health{Status: chainclient.Unreachable, RTT: rtt}, xerrors.Wrap(xerrors.CodeNetworkError, "ethereum health probe failed", err)
	}
	status := chainclient.Healthy
	if rtt > 2*time.Second {
		status = chainclient.Degraded
	}
	return chainclient.Health{Status: status, CyclesRemaining: block, RTT: rtt}, nil
}

// Store submits a self-addressed transaction whose calldata is the
// canonical payload (or its SHA-256 digest, when the payload exceeds the
// node's calldata comfort size), retried with the shared chainclient
// backoff policy across transient failures.
func (c *Client) Store(ctx context.Context, payload []byte, idHint string) (chainclient.StoreResult, error) {
	data := payload
	const calldataComfortSize = 64 * 1024
	if len(data) > calldataComfortSize {
		digest := sha256.Sum256(payload)
		data = digest[:]
	}

	result, err := chainclient.Retry(ctx, c.retry, func(ctx context.Context, attempt int) (chainclient.StoreResult, error) {
		start := time.Now()
		nonce, nerr := c.rpc.PendingNonceAt(ctx, c.from)
		if nerr != nil {
			return chainclient.StoreResult{}, xerrors.Wrap(xerrors.CodeNetworkError, "failed to fetch nonce", nerr)
		}
		gasPrice, gerr := c.rpc.SuggestGasPrice(ctx)
		if gerr != nil {
			return chainclient.StoreResult{}, xerrors.Wrap(xerrors.CodeNetworkError, "failed to fetch gas price", gerr)
		}
		// Escalate gas price on retries to avoid getting stuck behind a
		// stale nonce/gas quote.
		if attempt > 0 {
			bump := new(big.Int).Div(gasPrice, big.NewInt(10))
			gasPrice = new(big.Int).Add(gasPrice, new(big.Int).Mul(bump, big.NewInt(int64(attempt))))
		}
		chainID, cerr := c.rpc.NetworkID(ctx)
		if cerr != nil {
			return chainclient.StoreResult{}, xerrors.Wrap(xerrors.CodeNetworkError, "failed to fetch chain id", cerr)
		}
		to := c.from
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    big.NewInt(0),
			Gas:      uint64(21000 + len(data)*68),
			GasPrice: gasPrice,
			Data:     data,
		})
		signer := types.NewEIP155Signer(chainID)
		signedTx, serr := types.SignTx(tx, signer, c.privateKey)
		if serr != nil {
			return chainclient.StoreResult{}, xerrors.Wrap(xerrors.CodeBadConfig, "failed to sign transaction", serr)
		}
		if err := c.rpc.SendTransaction(ctx, signedTx); err != nil {
			return chainclient.StoreResult{}, xerrors.Wrap(xerrors.CodeNetworkError, "failed to broadcast transaction", err)
		}
		c.lastRTT = time.Since(start)
		return chainclient.StoreResult{
			StorageID: signedTx.Hash().Hex(),
			TxID:      signedTx.Hash().Hex(),
		}, nil
	})
	if err != nil {
		atomic.AddInt64(&c.failures, 1)
		return chainclient.StoreResult{}, err
	}
	digest := sha256.Sum256(payload)
	c.byDigest.Store(digest, result.StorageID)
	atomic.AddInt64(&c.successes, 1)
	return result, nil
}

func (c *Client) Fetch(ctx context.Context, storageID string) ([]byte, error) {
	hash := common.HexToHash(storageID)
	tx, _, err := c.rpc.TransactionByHash(ctx, hash)
	if err != nil {
		if err.Error() == "not found" {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeNetworkError, "failed to fetch transaction", err)
	}
	return tx.Data(), nil
}

func (c *Client) Verify(ctx context.Context, proofHash [32]byte) (chainclient.VerifyResult, error) {
	storageID, ok := c.byDigest.Load(proofHash)
	if !ok {
		return chainclient.VerifyResult{Valid: false}, nil
	}
	payload, err := c.Fetch(ctx, storageID.(string))
	if err != nil {
		return chainclient.VerifyResult{Err: err}, err
	}
	if payload == nil {
		return chainclient.VerifyResult{Valid: false}, nil
	}
	return chainclient.VerifyResult{Valid: sha256.Sum256(payload) == proofHash, Payload: payload}, nil
}

func (c *Client) BatchStore(ctx context.Context, items [][]byte) []chainclient.BatchResult {
	out := make([]chainclient.BatchResult, len(items))
	for i, item := range items {
		res, err := c.Store(ctx, item, "")
		out[i] = chainclient.BatchResult{Result: res, Err: err}
	}
	return out
}

func (c *Client) Stats() chainclient.Stats {
	return chainclient.Stats{
		Successes: atomic.LoadInt64(&c.successes),
		Failures:  atomic.LoadInt64(&c.failures),
		LastRTT:   c.lastRTT,
	}
}

