package relayer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Init(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockEngine) GenerateKeypair() (interfaces.Keypair, error) {
	args := m.Called()
	return args.Get(0).(interfaces.Keypair), args.Error(1)
}

func (m *MockEngine) EncryptInput(key *interfaces.PublicKeyParams, cfg interfaces.NetworkConfig, contract, user interfaces.ContractAddress, values []interfaces.InputValue) ([]byte, error) {
	args := m.Called(key, cfg, contract, user, values)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockEngine) DecryptShares(kp interfaces.Keypair, handles []interfaces.HandleContractPair, shares []DecryptShare) (map[interfaces.Handle]*big.Int, error) {
	args := m.Called(kp, handles, shares)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[interfaces.Handle]*big.Int), args.Error(1)
}

type fakeRelayer struct {
	mu            sync.Mutex
	srv           *httptest.Server
	inputProofs   []InputProofRequest
	userDecrypts  []UserDecryptRequest
	failDecrypts  bool
	omitCRS       bool
	handleHexes   []string
	signatureHexs []string
}

func newFakeRelayer(t *testing.T) *fakeRelayer {
	t.Helper()
	f := &fakeRelayer{
		handleHexes:   []string{"0x" + strings.Repeat("ab", 32)},
		signatureHexs: []string{strings.Repeat("cd", 65)},
	}

	mux := chi.NewRouter()
	mux.Get("/v1/keyurl", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		crs := map[string]any{"2048": map[string]any{"data_id": "crs-1", "urls": []string{f.srv.URL + "/keys/crs"}}}
		if f.omitCRS {
			crs = map[string]any{}
		}
		writeJSON(w, map[string]any{"response": map[string]any{
			"fhe_key_info": []any{map[string]any{
				"fhe_public_key": map[string]any{"data_id": "pk-1", "urls": []string{f.srv.URL + "/keys/pk"}},
			}},
			"crs": crs,
		}})
	})
	mux.Get("/keys/pk", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("public-key")) })
	mux.Get("/keys/crs", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("public-params")) })
	mux.Post("/v1/input-proof", func(w http.ResponseWriter, r *http.Request) {
		var req InputProofRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.inputProofs = append(f.inputProofs, req)
		writeJSON(w, map[string]any{"response": map[string]any{"handles": f.handleHexes, "signatures": f.signatureHexs}})
	})
	mux.Post("/v1/user-decrypt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failDecrypts {
			http.Error(w, `{"message":"invalid signature"}`, http.StatusBadRequest)
			return
		}
		var req UserDecryptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.userDecrypts = append(f.userDecrypts, req)
		writeJSON(w, map[string]any{"response": []any{map[string]any{"payload": "0x0102", "signature": "0x0304"}}})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func sepoliaConfig(relayerURL string) interfaces.NetworkConfig {
	return interfaces.NetworkConfig{
		NetworkID:                   11155111,
		RelayerURL:                  relayerURL,
		ACLAddress:                  "0x687820221192C5B662b25367F70076A37bc79b6c",
		KMSVerifierAddress:          "0x1364cBBf2cDF5032C47d8226a6f6FBD2AFCDacAC",
		InputVerifierAddress:        "0xbc91f3daD1A5F19F8390c400196e58073B6a0BC4",
		GatewayChainID:              55815,
		VerifyingContractDecryption: "0xb6E160B1ff80D67Bfe90A85eE06Ce0A2613607D1",
	}
}

func TestBridge_FetchPublicKey(t *testing.T) {
	relayer := newFakeRelayer(t)
	bridge, err := NewBridge(&MockEngine{}, nil, discardLogger())
	require.NoError(t, err)

	key, err := bridge.FetchPublicKey(context.Background(), sepoliaConfig(relayer.srv.URL))
	require.NoError(t, err)
	require.Equal(t, &interfaces.PublicKeyParams{
		PublicKeyID:    "pk-1",
		PublicKey:      []byte("public-key"),
		PublicParamsID: "crs-1",
		PublicParams:   []byte("public-params"),
	}, key)

	relayer.mu.Lock()
	relayer.omitCRS = true
	relayer.mu.Unlock()
	_, err = bridge.FetchPublicKey(context.Background(), sepoliaConfig(relayer.srv.URL))
	require.ErrorIs(t, err, ErrRelayer)

	_, err = NewBridge(nil, nil, discardLogger())
	require.Error(t, err)
}

func TestInstance_EncryptInput(t *testing.T) {
	relayer := newFakeRelayer(t)
	engine := &MockEngine{}
	bridge, err := NewBridge(engine, nil, discardLogger())
	require.NoError(t, err)

	cfg := sepoliaConfig(relayer.srv.URL)
	key := &interfaces.PublicKeyParams{PublicKey: []byte("pk")}
	inst, err := bridge.NewInstance(context.Background(), cfg, key)
	require.NoError(t, err)
	require.Equal(t, interfaces.NetworkID(11155111), inst.NetworkID())

	contract := interfaces.ContractAddress{0xc0}
	user := interfaces.ContractAddress{0x05}
	values := []interfaces.InputValue{{Type: interfaces.FheUint64, Value: big.NewInt(7)}}
	engine.On("EncryptInput", key, cfg, contract, user, values).Return([]byte{0xde, 0xad}, nil)

	enc, err := inst.EncryptInput(context.Background(), contract, user, values)
	require.NoError(t, err)
	require.Len(t, enc.Handles, 1)
	require.Equal(t, byte(0xab), enc.Handles[0][0])
	require.Len(t, enc.InputProof, 2+32+65)
	require.Equal(t, []byte{1, 1}, enc.InputProof[:2])

	relayer.mu.Lock()
	require.Len(t, relayer.inputProofs, 1)
	sent := relayer.inputProofs[0]
	relayer.handleHexes = nil
	relayer.mu.Unlock()
	require.Equal(t, contract.Hex(), sent.ContractAddress)
	require.Equal(t, []byte{0xde, 0xad}, []byte(sent.CiphertextWithInputVerification))
	require.Equal(t, uint64(11155111), uint64(sent.ContractChainID))
	engine.AssertExpectations(t)

	// Handle count must match the number of values.
	_, err = inst.EncryptInput(context.Background(), contract, user, values)
	require.ErrorIs(t, err, ErrRelayer)
}

func TestInstance_UserDecrypt(t *testing.T) {
	relayer := newFakeRelayer(t)
	engine := &MockEngine{}
	bridge, err := NewBridge(engine, nil, discardLogger())
	require.NoError(t, err)

	inst, err := bridge.NewInstance(context.Background(), sepoliaConfig(relayer.srv.URL), &interfaces.PublicKeyParams{PublicKey: []byte("pk")})
	require.NoError(t, err)

	handle := interfaces.Handle{0x11}
	contract := interfaces.ContractAddress{0xc0}
	req := &interfaces.UserDecryptRequest{
		Handles:           []interfaces.HandleContractPair{{Handle: handle, ContractAddress: contract}},
		PrivateKey:        []byte{0x01},
		PublicKey:         []byte{0x02},
		Signature:         []byte{0x03},
		ContractAddresses: []interfaces.ContractAddress{contract},
		UserAddress:       interfaces.ContractAddress{0x05},
		StartTimestamp:    1700000000,
		DurationDays:      10,
	}

	shares := []DecryptShare{{Payload: []byte{1, 2}, Signature: []byte{3, 4}}}
	engine.On("DecryptShares",
		interfaces.Keypair{PublicKey: []byte{0x02}, PrivateKey: []byte{0x01}},
		req.Handles, shares,
	).Return(map[interfaces.Handle]*big.Int{handle: big.NewInt(42)}, nil)

	values, err := inst.UserDecrypt(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int64(42), values[handle].Int64())

	relayer.mu.Lock()
	require.Len(t, relayer.userDecrypts, 1)
	sent := relayer.userDecrypts[0]
	relayer.failDecrypts = true
	relayer.mu.Unlock()
	require.Equal(t, "11155111", sent.ContractsChainID)
	require.Equal(t, "03", sent.Signature)
	require.Equal(t, "02", sent.PublicKey)
	require.Equal(t, RequestValidity{StartTimestamp: "1700000000", DurationDays: "10"}, sent.RequestValidity)
	require.Equal(t, []HandleContractPair{{Handle: handle.Hex(), ContractAddress: contract.Hex()}}, sent.HandleContractPairs)

	_, err = inst.UserDecrypt(context.Background(), req)
	require.ErrorIs(t, err, ErrRelayer)
}

func TestInstance_CreateEIP712(t *testing.T) {
	inst, err := NewInstance(sepoliaConfig("http://relayer"), &interfaces.PublicKeyParams{PublicKey: []byte("pk")}, &MockEngine{}, NewClient("http://relayer", nil, discardLogger()), discardLogger())
	require.NoError(t, err)

	data, err := inst.CreateEIP712([]byte{1}, []interfaces.ContractAddress{{0xc0}}, 1700000000, 10)
	require.NoError(t, err)
	require.Equal(t, "Decryption", data.Domain.Name)
	require.Equal(t, "0xb6E160B1ff80D67Bfe90A85eE06Ce0A2613607D1", data.Domain.VerifyingContract)
	require.Equal(t, int64(55815), (*big.Int)(data.Domain.ChainId).Int64())

	_, err = inst.CreateEIP712(nil, []interfaces.ContractAddress{{0xc0}}, 1700000000, 10)
	require.Error(t, err)

	cfg := sepoliaConfig("http://relayer")
	cfg.VerifyingContractDecryption = "nope"
	_, err = NewInstance(cfg, &interfaces.PublicKeyParams{PublicKey: []byte("pk")}, &MockEngine{}, nil, discardLogger())
	require.Error(t, err)
}
