package device

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"devchain/internal/domain"
	pkgerrors "devchain/pkg/errors"
	"devchain/pkg/logger"
)

// Mocks

type MockLedgerClient struct {
	mock.Mock
}

func (m *MockLedgerClient) GetDevice(ctx context.Context, serial string) (domain.LedgerDeviceRecord, error) {
	args := m.Called(ctx, serial)
	return args.Get(0).(domain.LedgerDeviceRecord), args.Error(1)
}

func (m *MockLedgerClient) SubmitTransition(ctx context.Context, serial string, kind domain.TransitionKind, actorAddress string) (domain.Receipt, error) {
	args := m.Called(ctx, serial, kind, actorAddress)
	return args.Get(0).(domain.Receipt), args.Error(1)
}

type MockMirrorStore struct {
	mock.Mock
}

func (m *MockMirrorStore) Upsert(ctx context.Context, device *domain.Device) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

func (m *MockMirrorStore) FindBySerial(ctx context.Context, serial string) (*domain.Device, bool, error) {
	args := m.Called(ctx, serial)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.Device), args.Bool(1), args.Error(2)
}

func (m *MockMirrorStore) FindByRole(ctx context.Context, actorID uuid.UUID, role domain.Role) ([]*domain.Device, error) {
	args := m.Called(ctx, actorID, role)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Device), args.Error(1)
}

func (m *MockMirrorStore) ReconcileFromLedger(ctx context.Context, serial string, rec domain.LedgerDeviceRecord) error {
	args := m.Called(ctx, serial, rec)
	return args.Error(0)
}

func (m *MockMirrorStore) ListSerials(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockDivergenceQueue struct {
	mock.Mock
}

func (m *MockDivergenceQueue) Enqueue(serial string) {
	m.Called(serial)
}

func newTestCoordinator(ledger *MockLedgerClient, mirror *MockMirrorStore, queue *MockDivergenceQueue) *Coordinator {
	c := NewCoordinator(ledger, mirror, queue, logger.NewNop())
	c.readBackoff = 0 // No point waiting in tests
	return c
}

func manufacturerActor() domain.Actor {
	return domain.Actor{ID: uuid.New(), Role: domain.RoleManufacturer}
}

// Tests

func TestTransitionRegisterSuccess(t *testing.T) {
	mockLedger := new(MockLedgerClient)
	mockMirror := new(MockMirrorStore)
	mockQueue := new(MockDivergenceQueue)
	coordinator := newTestCoordinator(mockLedger, mockMirror, mockQueue)

	actor := manufacturerActor()
	serial := "SN-ALPHA-001"

	mockLedger.On("GetDevice", mock.Anything, serial).Return(ledgerRecord(false, 0), nil)
	mockLedger.On("SubmitTransition", mock.Anything, serial, domain.TransitionRegister, actor.Address).
		Return(domain.Receipt("0xabc123"), nil)
	mockMirror.On("FindBySerial", mock.Anything, serial).Return(nil, false, nil)
	mockMirror.On("Upsert", mock.Anything, mock.MatchedBy(func(d *domain.Device) bool {
		return d.Serial == serial &&
			d.LifecycleState == domain.StateRegistered &&
			d.ManufacturerID != nil && *d.ManufacturerID == actor.ID &&
			d.LedgerReceipt == "0xabc123"
	})).Return(nil)

	result, err := coordinator.Transition(context.Background(), actor, serial, domain.TransitionRegister)

	assert.NoError(t, err)
	assert.Equal(t, domain.StateRegistered, result.State)
	assert.Equal(t, domain.Receipt("0xabc123"), result.Receipt)
	assert.True(t, result.MirrorSynced)
	mockLedger.AssertExpectations(t)
	mockMirror.AssertExpectations(t)
	mockQueue.AssertNotCalled(t, "Enqueue", mock.Anything)
}

func TestTransitionShipPreservesManufacturer(t *testing.T) {
	mockLedger := new(MockLedgerClient)
	mockMirror := new(MockMirrorStore)
	mockQueue := new(MockDivergenceQueue)
	coordinator := newTestCoordinator(mockLedger, mockMirror, mockQueue)

	manufacturerID := uuid.New()
	actor := domain.Actor{ID: uuid.New(), Role: domain.RoleShipper, Address: "0x1111111111111111111111111111111111111111"}
	serial := "SN-ALPHA-002"

	mockLedger.On("GetDevice", mock.Anything, serial).Return(ledgerRecord(true, domain.StateRegistered), nil)
	mockLedger.On("SubmitTransition", mock.Anything, serial, domain.TransitionShip, actor.Address).
		Return(domain.Receipt("0xdef456"), nil)
	mockMirror.On("FindBySerial", mock.Anything, serial).Return(&domain.Device{
		Serial:         serial,
		LifecycleState: domain.StateRegistered,
		ManufacturerID: &manufacturerID,
	}, true, nil)
	mockMirror.On("Upsert", mock.Anything, mock.MatchedBy(func(d *domain.Device) bool {
		return d.LifecycleState == domain.StateShipped &&
			d.ManufacturerID != nil && *d.ManufacturerID == manufacturerID &&
			d.ShipperID != nil && *d.ShipperID == actor.ID
	})).Return(nil)

	result, err := coordinator.Transition(context.Background(), actor, serial, domain.TransitionShip)

	assert.NoError(t, err)
	assert.Equal(t, domain.StateShipped, result.State)
	mockMirror.AssertExpectations(t)
}

func TestTransitionDeniedBeforeSubmit(t *testing.T) {
	tests := []struct {
		name    string
		actor   domain.Actor
		rec     domain.LedgerDeviceRecord
		kind    domain.TransitionKind
		wantErr error
	}{
		{
			name:    "activate before ship",
			actor:   domain.Actor{ID: uuid.New(), Role: domain.RoleCustomer},
			rec:     ledgerRecord(true, domain.StateRegistered),
			kind:    domain.TransitionActivate,
			wantErr: pkgerrors.ErrInvalidStateForTransition,
		},
		{
			name:    "ship after activate",
			actor:   domain.Actor{ID: uuid.New(), Role: domain.RoleShipper},
			rec:     ledgerRecord(true, domain.StateActivated),
			kind:    domain.TransitionShip,
			wantErr: pkgerrors.ErrInvalidStateForTransition,
		},
		{
			name:    "wrong role",
			actor:   domain.Actor{ID: uuid.New(), Role: domain.RoleManufacturer},
			rec:     ledgerRecord(true, domain.StateRegistered),
			kind:    domain.TransitionShip,
			wantErr: pkgerrors.ErrRoleNotPermitted,
		},
		{
			name:    "register twice",
			actor:   domain.Actor{ID: uuid.New(), Role: domain.RoleManufacturer},
			rec:     ledgerRecord(true, domain.StateRegistered),
			kind:    domain.TransitionRegister,
			wantErr: pkgerrors.ErrDeviceAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockLedger := new(MockLedgerClient)
			mockMirror := new(MockMirrorStore)
			mockQueue := new(MockDivergenceQueue)
			coordinator := newTestCoordinator(mockLedger, mockMirror, mockQueue)

			mockLedger.On("GetDevice", mock.Anything, "SN-TEST-001").Return(tt.rec, nil)

			result, err := coordinator.Transition(context.Background(), tt.actor, "SN-TEST-001", tt.kind)

			assert.Nil(t, result)
			assert.ErrorIs(t, err, tt.wantErr)
			mockLedger.AssertNotCalled(t, "SubmitTransition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			mockMirror.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
		})
	}
}

// An ambiguous submission must never be resubmitted. When the follow-up read
// shows the target state, the original submission landed and the caller gets
// success with the original receipt.
func TestTransitionAmbiguousResolvedAsCommitted(t *testing.T) {
	mockLedger := new(MockLedgerClient)
	mockMirror := new(MockMirrorStore)
	mockQueue := new(MockDivergenceQueue)
	coordinator := newTestCoordinator(mockLedger, mockMirror, mockQueue)

	actor := manufacturerActor()
	serial := "SN-AMBIG-001"

	mockLedger.On("GetDevice", mock.Anything, serial).Return(ledgerRecord(false, 0), nil).Once()
	mockLedger.On("SubmitTransition", mock.Anything, serial, domain.TransitionRegister, actor.Address).
		Return(domain.Receipt("0xfeed01"), pkgerrors.Wrap(pkgerrors.ErrAmbiguousOutcome, "wait mined: timeout")).Once()
	// Follow-up read observes the registered state, proving the submission landed.
	mockLedger.On("GetDevice", mock.Anything, serial).Return(ledgerRecord(true, domain.StateRegistered), nil).Once()
	mockMirror.On("FindBySerial", mock.Anything, serial).Return(nil, false, nil)
	mockMirror.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	result, err := coordinator.Transition(context.Background(), actor, serial, domain.TransitionRegister)

	assert.NoError(t, err)
	assert.Equal(t, domain.Receipt("0xfeed01"), result.Receipt)
	mockLedger.AssertNumberOfCalls(t, "SubmitTransition", 1)
	mockLedger.AssertExpectations(t)
}

func TestTransitionAmbiguousDidNotLand(t *testing.T) {
	mockLedger := new(MockLedgerClient)
	mockMirror := new(MockMirrorStore)
	mockQueue := new(MockDivergenceQueue)
	coordinator := newTestCoordinator(mockLedger, mockMirror, mockQueue)

	actor := manufacturerActor()
	serial := "SN-AMBIG-002"

	mockLedger.On("GetDevice", mock.Anything, serial).Return(ledgerRecord(false, 0), nil)
	mockLedger.On("SubmitTransition", mock.Anything, serial, domain.TransitionRegister, actor.Address).
		Return(domain.Receipt("0xfeed02"), pkgerrors.Wrap(pkgerrors.ErrAmbiguousOutcome, "wait mined: timeout")).Once()

	result, err := coordinator.Transition(context.Background(), actor, serial, domain.TransitionRegister)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, pkgerrors.ErrStoreUnavailable)
	mockLedger.AssertNumberOfCalls(t, "SubmitTransition", 1)
	mockMirror.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

// The ledger is authoritative: a committed transition succeeds even when the
// mirror write fails, and the serial is handed to the divergence queue.
func TestTransitionMirrorDownStillSucceeds(t *testing.T) {
	mockLedger := new(MockLedgerClient)
	mockMirror := new(MockMirrorStore)
	mockQueue := new(MockDivergenceQueue)
	coordinator := newTestCoordinator(mockLedger, mockMirror, mockQueue)

	actor := manufacturerActor()
	serial := "SN-DIVERGE-001"

	mockLedger.On("GetDevice", mock.Anything, serial).Return(ledgerRecord(false, 0), nil)
	mockLedger.On("SubmitTransition", mock.Anything, serial, domain.TransitionRegister, actor.Address).
		Return(domain.Receipt("0xcafe01"), nil)
	mockMirror.On("FindBySerial", mock.Anything, serial).Return(nil, false, pkgerrors.ErrStoreUnavailable)
	mockQueue.On("Enqueue", serial).Return()

	result, err := coordinator.Transition(context.Background(), actor, serial, domain.TransitionRegister)

	assert.NoError(t, err)
	assert.Equal(t, domain.Receipt("0xcafe01"), result.Receipt)
	assert.False(t, result.MirrorSynced)
	mockQueue.AssertExpectations(t)
}

// A stale mirror write means a newer state already reached the mirror. That
// is not divergence and must not be reported as such.
func TestTransitionStaleMirrorWriteIsSuccess(t *testing.T) {
	mockLedger := new(MockLedgerClient)
	mockMirror := new(MockMirrorStore)
	mockQueue := new(MockDivergenceQueue)
	coordinator := newTestCoordinator(mockLedger, mockMirror, mockQueue)

	actor := domain.Actor{ID: uuid.New(), Role: domain.RoleShipper}
	serial := "SN-STALE-001"

	mockLedger.On("GetDevice", mock.Anything, serial).Return(ledgerRecord(true, domain.StateRegistered), nil)
	mockLedger.On("SubmitTransition", mock.Anything, serial, domain.TransitionShip, actor.Address).
		Return(domain.Receipt("0xcafe02"), nil)
	mockMirror.On("FindBySerial", mock.Anything, serial).Return(nil, false, nil)
	mockMirror.On("Upsert", mock.Anything, mock.Anything).Return(pkgerrors.ErrStaleWrite)

	result, err := coordinator.Transition(context.Background(), actor, serial, domain.TransitionShip)

	assert.NoError(t, err)
	assert.True(t, result.MirrorSynced)
	mockQueue.AssertNotCalled(t, "Enqueue", mock.Anything)
}

func TestTransitionLedgerRejected(t *testing.T) {
	mockLedger := new(MockLedgerClient)
	mockMirror := new(MockMirrorStore)
	mockQueue := new(MockDivergenceQueue)
	coordinator := newTestCoordinator(mockLedger, mockMirror, mockQueue)

	actor := manufacturerActor()
	serial := "SN-REJECT-001"

	mockLedger.On("GetDevice", mock.Anything, serial).Return(ledgerRecord(false, 0), nil)
	mockLedger.On("SubmitTransition", mock.Anything, serial, domain.TransitionRegister, actor.Address).
		Return(domain.Receipt(""), pkgerrors.Wrap(pkgerrors.ErrLedgerRejected, "transaction reverted"))

	result, err := coordinator.Transition(context.Background(), actor, serial, domain.TransitionRegister)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, pkgerrors.ErrLedgerRejected)
	mockMirror.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestTransitionRetriesTransientReadFailure(t *testing.T) {
	mockLedger := new(MockLedgerClient)
	mockMirror := new(MockMirrorStore)
	mockQueue := new(MockDivergenceQueue)
	coordinator := newTestCoordinator(mockLedger, mockMirror, mockQueue)

	actor := manufacturerActor()
	serial := "SN-RETRY-001"

	mockLedger.On("GetDevice", mock.Anything, serial).
		Return(domain.LedgerDeviceRecord{}, pkgerrors.ErrStoreUnavailable).Twice()
	mockLedger.On("GetDevice", mock.Anything, serial).Return(ledgerRecord(false, 0), nil).Once()
	mockLedger.On("SubmitTransition", mock.Anything, serial, domain.TransitionRegister, actor.Address).
		Return(domain.Receipt("0xcafe03"), nil)
	mockMirror.On("FindBySerial", mock.Anything, serial).Return(nil, false, nil)
	mockMirror.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	result, err := coordinator.Transition(context.Background(), actor, serial, domain.TransitionRegister)

	assert.NoError(t, err)
	assert.Equal(t, domain.Receipt("0xcafe03"), result.Receipt)
	mockLedger.AssertExpectations(t)
}

// Two concurrent attempts on the same serial are serialized; the second one
// authorizes against the state the first one produced.
func TestTransitionSerializedPerSerial(t *testing.T) {
	mockLedger := new(MockLedgerClient)
	mockMirror := new(MockMirrorStore)
	mockQueue := new(MockDivergenceQueue)
	coordinator := newTestCoordinator(mockLedger, mockMirror, mockQueue)

	serial := "SN-RACE-001"

	// Whichever goroutine wins the lock sees a fresh serial; the loser reads
	// the post-register state and is denied.
	mockLedger.On("GetDevice", mock.Anything, serial).Return(ledgerRecord(false, 0), nil).Once()
	mockLedger.On("GetDevice", mock.Anything, serial).Return(ledgerRecord(true, domain.StateRegistered), nil).Once()
	mockLedger.On("SubmitTransition", mock.Anything, serial, domain.TransitionRegister, "").
		Return(domain.Receipt("0xrace01"), nil).Once()
	mockMirror.On("FindBySerial", mock.Anything, serial).Return(nil, false, nil)
	mockMirror.On("Upsert", mock.Anything, mock.Anything).Return(nil)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := manufacturerActor()
			_, err := coordinator.Transition(context.Background(), actor, serial, domain.TransitionRegister)
			results[i] = err
		}(i)
	}
	wg.Wait()

	var succeeded, alreadyExists int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, pkgerrors.ErrDeviceAlreadyExists):
			alreadyExists++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, alreadyExists)
	mockLedger.AssertNumberOfCalls(t, "SubmitTransition", 1)
}
