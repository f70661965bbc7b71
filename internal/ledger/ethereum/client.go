// Package ethereum adapts the DeviceSupplyChain contract to the coordinator's
// LedgerClient interface, hiding RPC and ABI details.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"devchain/internal/domain"
	"devchain/pkg/config"
	pkgerrors "devchain/pkg/errors"
	"devchain/pkg/logger"
)

// deviceSupplyChainABI is the contract surface the backend drives. getDevice
// returns (serial, registeredBy, shipper, owner, status, exists).
const deviceSupplyChainABI = `[
	{"name":"getDevice","type":"function","stateMutability":"view","inputs":[{"name":"serial","type":"string"}],"outputs":[{"name":"serial","type":"string"},{"name":"registeredBy","type":"address"},{"name":"shipper","type":"address"},{"name":"owner","type":"address"},{"name":"status","type":"uint8"},{"name":"exists","type":"bool"}]},
	{"name":"registerDevice","type":"function","stateMutability":"nonpayable","inputs":[{"name":"serial","type":"string"}],"outputs":[]},
	{"name":"updateShipment","type":"function","stateMutability":"nonpayable","inputs":[{"name":"serial","type":"string"},{"name":"shipper","type":"address"}],"outputs":[]},
	{"name":"activateDevice","type":"function","stateMutability":"nonpayable","inputs":[{"name":"serial","type":"string"}],"outputs":[]}
]`

// Backend is the subset of the Ethereum RPC the adapter needs. Satisfied by
// *ethclient.Client; narrowed so tests can run against a simulated backend.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Client implements device.LedgerClient against an EVM chain.
type Client struct {
	contract      *bind.BoundContract
	backend       Backend
	key           *ecdsa.PrivateKey
	chainID       *big.Int
	from          common.Address
	submitTimeout time.Duration
	confirmations uint64
	logger        logger.Logger
}

// Dial connects to the configured RPC endpoint and binds the contract.
func Dial(cfg config.LedgerConfig, log logger.Logger) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("ledger rpc url required")
	}
	ec, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "dial ledger rpc")
	}
	return New(ec, cfg, log)
}

// New binds the contract on an existing backend.
func New(backend Backend, cfg config.LedgerConfig, log logger.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse ledger private key")
	}

	parsed, err := abi.JSON(strings.NewReader(deviceSupplyChainABI))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse contract abi")
	}

	addr := common.HexToAddress(cfg.ContractAddress)
	return &Client{
		contract:      bind.NewBoundContract(addr, parsed, backend, backend, backend),
		backend:       backend,
		key:           key,
		chainID:       big.NewInt(cfg.ChainID),
		from:          crypto.PubkeyToAddress(key.PublicKey),
		submitTimeout: cfg.SubmitTimeout,
		confirmations: cfg.Confirmations,
		logger:        log,
	}, nil
}

// SignerAddress is the backend's own on-chain address.
func (c *Client) SignerAddress() string {
	return c.from.Hex()
}

// Close releases the underlying RPC connection when there is one. Simulated
// backends used in tests have no connection to release.
func (c *Client) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// GetDevice reads the current on-chain record for serial.
func (c *Client) GetDevice(ctx context.Context, serial string) (domain.LedgerDeviceRecord, error) {
	var rec domain.LedgerDeviceRecord

	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getDevice", serial)
	if err != nil {
		return rec, pkgerrors.Wrap(pkgerrors.ErrStoreUnavailable, "getDevice call: "+err.Error())
	}
	if len(out) != 6 {
		return rec, fmt.Errorf("getDevice returned %d values, want 6", len(out))
	}

	serialOut, ok0 := out[0].(string)
	registeredBy, ok1 := out[1].(common.Address)
	shipper, ok2 := out[2].(common.Address)
	owner, ok3 := out[3].(common.Address)
	status, ok4 := out[4].(uint8)
	exists, ok5 := out[5].(bool)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5) {
		return rec, fmt.Errorf("getDevice returned unexpected types for %q", serial)
	}

	rec = domain.LedgerDeviceRecord{
		Serial:       serialOut,
		RegisteredBy: registeredBy.Hex(),
		Shipper:      shipper.Hex(),
		Owner:        owner.Hex(),
		Status:       domain.LifecycleState(status),
		Exists:       exists,
	}
	return rec, nil
}

// SubmitTransition issues the state-changing contract call for kind and
// blocks until the transaction is mined (plus configured confirmations) or
// definitively fails. A timeout after broadcast surfaces as
// pkgerrors.ErrAmbiguousOutcome together with the transaction hash so the
// coordinator can resolve it by re-reading state.
func (c *Client) SubmitTransition(ctx context.Context, serial string, kind domain.TransitionKind, actorAddress string) (domain.Receipt, error) {
	method, args, err := c.methodFor(serial, kind, actorAddress)
	if err != nil {
		return "", err
	}

	submitCtx := ctx
	if c.submitTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, c.submitTimeout)
		defer cancel()
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return "", pkgerrors.Wrap(err, "build transactor")
	}
	opts.Context = submitCtx

	tx, err := c.contract.Transact(opts, method, args...)
	if err != nil {
		return "", c.classifyPreBroadcast(submitCtx, method, err)
	}

	receipt := domain.Receipt(tx.Hash().Hex())

	minedReceipt, err := bind.WaitMined(submitCtx, c.backend, tx)
	if err != nil {
		// The transaction is in the mempool with an unknown fate; the caller
		// must re-read state before deciding anything.
		return receipt, pkgerrors.Wrap(pkgerrors.ErrAmbiguousOutcome, "wait mined: "+err.Error())
	}
	if minedReceipt.Status != gethtypes.ReceiptStatusSuccessful {
		return "", pkgerrors.Wrap(pkgerrors.ErrLedgerRejected, fmt.Sprintf("transaction %s reverted", tx.Hash().Hex()))
	}

	if c.confirmations > 1 {
		if err := c.awaitConfirmations(submitCtx, minedReceipt); err != nil {
			return receipt, pkgerrors.Wrap(pkgerrors.ErrAmbiguousOutcome, "await confirmations: "+err.Error())
		}
	}

	c.logger.Debug("Ledger transition mined", map[string]interface{}{
		"serial": serial,
		"method": method,
		"tx":     tx.Hash().Hex(),
		"block":  minedReceipt.BlockNumber.String(),
	})
	return receipt, nil
}

func (c *Client) methodFor(serial string, kind domain.TransitionKind, actorAddress string) (string, []interface{}, error) {
	switch kind {
	case domain.TransitionRegister:
		return "registerDevice", []interface{}{serial}, nil
	case domain.TransitionShip:
		shipper := c.from
		if common.IsHexAddress(actorAddress) {
			shipper = common.HexToAddress(actorAddress)
		}
		return "updateShipment", []interface{}{serial, shipper}, nil
	case domain.TransitionActivate:
		return "activateDevice", []interface{}{serial}, nil
	}
	return "", nil, fmt.Errorf("unknown transition kind %q", kind)
}

// classifyPreBroadcast maps an error from Transact, which runs nonce fetch,
// gas estimation, signing, and broadcast. A revert during gas estimation is a
// definite ledger-side rejection; a deadline here is ambiguous because the
// broadcast itself may have gone through; everything else is a retryable
// transport failure since nothing reached the chain.
func (c *Client) classifyPreBroadcast(ctx context.Context, method string, err error) error {
	if strings.Contains(err.Error(), "execution reverted") {
		return pkgerrors.Wrap(pkgerrors.ErrLedgerRejected, method+": "+err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return pkgerrors.Wrap(pkgerrors.ErrAmbiguousOutcome, method+": "+err.Error())
	}
	return pkgerrors.Wrap(pkgerrors.ErrStoreUnavailable, method+": "+err.Error())
}

// awaitConfirmations polls the head until the receipt has the configured
// confirmation depth.
func (c *Client) awaitConfirmations(ctx context.Context, receipt *gethtypes.Receipt) error {
	want := new(big.Int).SetUint64(c.confirmations)
	for {
		header, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(want) >= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
