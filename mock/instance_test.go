package mock

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/fhevm-session/authz"
	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/ruteri/fhevm-session/storage"
	"github.com/stretchr/testify/require"
)

var (
	counter = interfaces.ContractAddress{0xc0}
	token   = interfaces.ContractAddress{0x70}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestInstance(t *testing.T, now func() time.Time) *Instance {
	t.Helper()
	inst, err := NewFactory(discardLogger()).WithClock(now).NewSimulatedInstance(context.Background(), interfaces.SimulatedConfig{
		NetworkID:          31337,
		EndpointURL:        "http://localhost:8545",
		KMSVerifierAddress: interfaces.ContractAddress{0x13},
	})
	require.NoError(t, err)
	return inst.(*Instance)
}

func newSigner(t *testing.T) *authz.KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return authz.NewKeySigner(key)
}

func TestEncryptInput(t *testing.T) {
	inst := newTestInstance(t, time.Now)
	user := newSigner(t).Address()

	enc, err := inst.EncryptInput(context.Background(), counter, user, []interfaces.InputValue{
		{Type: interfaces.FheUint32, Value: big.NewInt(42)},
		{Type: interfaces.FheBool, Value: big.NewInt(1)},
	})
	require.NoError(t, err)
	require.Len(t, enc.Handles, 2)
	require.NotEqual(t, enc.Handles[0], enc.Handles[1])
	require.Len(t, enc.InputProof, 1+2*32)

	h := enc.Handles[0]
	require.Equal(t, byte(interfaces.FheUint32), h[30])
	require.Equal(t, byte(HandleVersion), h[31])
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0x7a, 0x69}, h[22:30])

	again, err := inst.EncryptInput(context.Background(), counter, user, []interfaces.InputValue{
		{Type: interfaces.FheUint32, Value: big.NewInt(42)},
	})
	require.NoError(t, err)
	require.NotEqual(t, h, again.Handles[0])
}

func TestEncryptInput_Invalid(t *testing.T) {
	inst := newTestInstance(t, time.Now)
	ctx := context.Background()

	tests := []struct {
		name   string
		values []interfaces.InputValue
	}{
		{name: "empty", values: nil},
		{name: "overflow", values: []interfaces.InputValue{{Type: interfaces.FheUint8, Value: big.NewInt(256)}}},
		{name: "negative", values: []interfaces.InputValue{{Type: interfaces.FheUint8, Value: big.NewInt(-1)}}},
		{name: "unknown type", values: []interfaces.InputValue{{Type: 1, Value: big.NewInt(1)}}},
		{name: "nil value", values: []interfaces.InputValue{{Type: interfaces.FheUint8}}},
		{name: "too many bits", values: []interfaces.InputValue{
			{Type: interfaces.FheUint256, Value: big.NewInt(1)},
			{Type: interfaces.FheUint256, Value: big.NewInt(1)},
			{Type: interfaces.FheUint256, Value: big.NewInt(1)},
			{Type: interfaces.FheUint256, Value: big.NewInt(1)},
			{Type: interfaces.FheUint256, Value: big.NewInt(1)},
			{Type: interfaces.FheUint256, Value: big.NewInt(1)},
			{Type: interfaces.FheUint256, Value: big.NewInt(1)},
			{Type: interfaces.FheUint256, Value: big.NewInt(1)},
			{Type: interfaces.FheBool, Value: big.NewInt(1)},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := inst.EncryptInput(ctx, counter, token, tt.values)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestUserDecrypt(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	inst := newTestInstance(t, clock)
	signer := newSigner(t)
	cache := authz.NewCache(storage.NewAdapter(storage.NewMemoryStore(), "fhevm", discardLogger()), discardLogger(),
		authz.WithClock(clock), authz.WithDurationDays(7))

	enc, err := inst.EncryptInput(ctx, counter, signer.Address(), []interfaces.InputValue{
		{Type: interfaces.FheUint64, Value: big.NewInt(1234)},
	})
	require.NoError(t, err)

	var balance interfaces.Handle
	balance[0] = 0xba
	inst.SetPlaintext(balance, token, interfaces.FheUint64, big.NewInt(99))

	art, err := cache.LoadOrSign(ctx, inst, []interfaces.ContractAddress{counter, token}, signer)
	require.NoError(t, err)

	pairs := []interfaces.HandleContractPair{
		{Handle: enc.Handles[0], ContractAddress: counter},
		{Handle: balance, ContractAddress: token},
	}
	values, err := inst.UserDecrypt(ctx, art.DecryptRequest(pairs))
	require.NoError(t, err)
	require.Equal(t, int64(1234), values[enc.Handles[0]].Int64())
	require.Equal(t, int64(99), values[balance].Int64())

	t.Run("contract outside the authorization", func(t *testing.T) {
		onlyCounter, err := cache.LoadOrSign(ctx, inst, []interfaces.ContractAddress{counter}, signer)
		require.NoError(t, err)
		_, err = inst.UserDecrypt(ctx, onlyCounter.DecryptRequest(pairs))
		require.ErrorIs(t, err, ErrContractNotAllowed)
	})

	t.Run("handle claimed by the wrong contract", func(t *testing.T) {
		_, err := inst.UserDecrypt(ctx, art.DecryptRequest([]interfaces.HandleContractPair{
			{Handle: balance, ContractAddress: counter},
		}))
		require.ErrorIs(t, err, ErrContractNotAllowed)
	})

	t.Run("unknown handle", func(t *testing.T) {
		_, err := inst.UserDecrypt(ctx, art.DecryptRequest([]interfaces.HandleContractPair{
			{Handle: interfaces.Handle{0x01}, ContractAddress: token},
		}))
		require.ErrorIs(t, err, ErrUnknownHandle)
	})

	t.Run("signature from another user", func(t *testing.T) {
		req := art.DecryptRequest(pairs)
		req.UserAddress = newSigner(t).Address()
		_, err := inst.UserDecrypt(ctx, req)
		require.ErrorIs(t, err, interfaces.ErrSignature)
	})

	t.Run("expired authorization", func(t *testing.T) {
		later := newTestInstance(t, func() time.Time { return now.Add(8 * 24 * time.Hour) })
		later.SetPlaintext(balance, token, interfaces.FheUint64, big.NewInt(99))
		_, err := later.UserDecrypt(ctx, art.DecryptRequest(pairs[1:]))
		require.ErrorIs(t, err, ErrAuthorizationExpired)
	})
}
