package ethereum

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"devchain/internal/domain"
	"devchain/pkg/config"
	pkgerrors "devchain/pkg/errors"
	"devchain/pkg/logger"
)

// Well-known anvil/hardhat dev key, never used outside tests.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testLedgerConfig() config.LedgerConfig {
	return config.LedgerConfig{
		RPCURL:          "http://localhost:8545",
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		PrivateKey:      testPrivateKey,
		ChainID:         31337,
		SubmitTimeout:   30 * time.Second,
		Confirmations:   1,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.LedgerConfig)
	}{
		{"bad contract address", func(c *config.LedgerConfig) { c.ContractAddress = "not-an-address" }},
		{"empty contract address", func(c *config.LedgerConfig) { c.ContractAddress = "" }},
		{"bad private key", func(c *config.LedgerConfig) { c.PrivateKey = "zzzz" }},
		{"empty private key", func(c *config.LedgerConfig) { c.PrivateKey = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testLedgerConfig()
			tt.mutate(&cfg)
			client, err := New(nil, cfg, logger.NewNop())
			assert.Error(t, err)
			assert.Nil(t, client)
		})
	}
}

func TestNewAcceptsHexPrefixedKey(t *testing.T) {
	cfg := testLedgerConfig()
	cfg.PrivateKey = "0x" + testPrivateKey

	client, err := New(nil, cfg, logger.NewNop())

	assert.NoError(t, err)
	// Address derived from the dev key above.
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", client.SignerAddress())
}

func TestMethodForMapsTransitions(t *testing.T) {
	client, err := New(nil, testLedgerConfig(), logger.NewNop())
	assert.NoError(t, err)

	method, args, err := client.methodFor("SN-001", domain.TransitionRegister, "")
	assert.NoError(t, err)
	assert.Equal(t, "registerDevice", method)
	assert.Equal(t, []interface{}{"SN-001"}, args)

	method, args, err = client.methodFor("SN-001", domain.TransitionActivate, "")
	assert.NoError(t, err)
	assert.Equal(t, "activateDevice", method)
	assert.Equal(t, []interface{}{"SN-001"}, args)

	_, _, err = client.methodFor("SN-001", domain.TransitionKind("teleport"), "")
	assert.Error(t, err)
}

func TestMethodForShipUsesActorAddress(t *testing.T) {
	client, err := New(nil, testLedgerConfig(), logger.NewNop())
	assert.NoError(t, err)

	method, args, err := client.methodFor("SN-001", domain.TransitionShip, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	assert.NoError(t, err)
	assert.Equal(t, "updateShipment", method)
	assert.Len(t, args, 2)

	// No usable actor address falls back to the signer.
	_, args, err = client.methodFor("SN-001", domain.TransitionShip, "")
	assert.NoError(t, err)
	assert.Equal(t, client.from, args[1])
}

func TestClassifyPreBroadcast(t *testing.T) {
	client, err := New(nil, testLedgerConfig(), logger.NewNop())
	assert.NoError(t, err)

	ctx := context.Background()

	err = client.classifyPreBroadcast(ctx, "registerDevice", errors.New("execution reverted: device exists"))
	assert.ErrorIs(t, err, pkgerrors.ErrLedgerRejected)

	err = client.classifyPreBroadcast(ctx, "registerDevice", context.DeadlineExceeded)
	assert.ErrorIs(t, err, pkgerrors.ErrAmbiguousOutcome)

	expiredCtx, cancel := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancel()
	err = client.classifyPreBroadcast(expiredCtx, "registerDevice", errors.New("post failed"))
	assert.ErrorIs(t, err, pkgerrors.ErrAmbiguousOutcome)

	err = client.classifyPreBroadcast(ctx, "registerDevice", errors.New("connection refused"))
	assert.ErrorIs(t, err, pkgerrors.ErrStoreUnavailable)
}
