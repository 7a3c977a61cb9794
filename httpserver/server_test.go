package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/fhevm-session/authz"
	"github.com/ruteri/fhevm-session/chain"
	"github.com/ruteri/fhevm-session/client"
	"github.com/ruteri/fhevm-session/instance"
	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/ruteri/fhevm-session/mock"
	"github.com/ruteri/fhevm-session/session"
	"github.com/ruteri/fhevm-session/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localURL = "http://localhost:8545"

func newTestServer(t *testing.T, withSigner bool) (*Server, *authz.KeySigner) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := session.NewStore(session.Config{
		Networks:   []interfaces.NetworkID{chain.LocalNetworkID},
		Simulation: map[interfaces.NetworkID]string{chain.LocalNetworkID: localURL},
	}, logger)
	require.NoError(t, err)

	node := chain.NewStaticRequester(map[string]any{
		"eth_chainId":        "0x7a69",
		"web3_clientVersion": "HardhatNetwork/2.22.0",
		"fhevm_relayer_metadata": map[string]any{
			"ACLAddress":           "0x50157CFfD6bBFA2DECe204a89ec419c23ef5755D",
			"InputVerifierAddress": "0x901F8942346f7AB3a01F6D7613119Bca447Bb030",
			"KMSVerifierAddress":   "0x1364cBBf2cDF5032C47d8226a6f6FBD2AFCDacAC",
		},
	})
	manager, err := instance.NewManager(instance.Config{
		Store:     store,
		Resolver:  chain.NewResolver(store.Simulation(), logger, chain.WithDialer(chain.StaticDialer(map[string]chain.Requester{localURL: node}))),
		Simulated: mock.NewFactory(logger),
		Log:       logger,
	})
	require.NoError(t, err)

	cache := authz.NewCache(storage.NewAdapter(storage.NewMemoryStore(), "fhevm", logger), logger, authz.WithRecorder(store))
	c, err := client.New(client.Config{Manager: manager, Authorizations: cache, Log: logger})
	require.NoError(t, err)

	var signer *authz.KeySigner
	var handlerSigner authz.Signer
	if withSigner {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		signer = authz.NewKeySigner(key)
		handlerSigner = signer
	}

	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      logger,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, NewHandler(c, handlerSigner, logger), nil)
	require.NoError(t, err)
	t.Cleanup(srv.unsubscribe)
	return srv, signer
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), out), rr.Body.String())
	}
	return rr.Code
}

func TestServer_SessionLifecycle(t *testing.T) {
	srv, signer := newTestServer(t, true)
	h := srv.Handler()

	var st SessionResponse
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/api/v1/session", nil, &st))
	assert.Equal(t, interfaces.NetworkID(31337), st.NetworkID)
	assert.Equal(t, interfaces.StatusIdle, st.Status)

	var errResp errorResponse
	require.Equal(t, http.StatusConflict, doJSON(t, h, http.MethodPost, "/api/v1/encrypt", EncryptRequest{}, &errResp))

	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/api/v1/instance", InstanceRequest{RPCURL: localURL}, &st))
	assert.Equal(t, interfaces.StatusReady, st.Status)

	contract := interfaces.ContractAddress{0xaa}
	var enc EncryptResponse
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/api/v1/encrypt", map[string]any{
		"contract": contract.Hex(),
		"user":     signer.Address().Hex(),
		"values":   []map[string]any{{"type": interfaces.FheUint64, "value": "1000"}, {"type": interfaces.FheUint8, "value": "0x2a"}},
	}, &enc))
	require.Len(t, enc.Handles, 2)
	require.NotEmpty(t, enc.InputProof)

	var auth AuthorizationResponse
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/api/v1/authorization", AuthorizationRequest{Contracts: []interfaces.ContractAddress{contract}}, &auth))
	assert.Equal(t, signer.Address(), auth.UserAddress)
	assert.Equal(t, []interfaces.ContractAddress{contract}, auth.ContractAddresses)
	assert.Equal(t, int64(authz.DefaultDurationDays), auth.DurationDays)

	var dec DecryptResponse
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPost, "/api/v1/decrypt", DecryptRequest{Handles: []interfaces.HandleContractPair{
		{Handle: enc.Handles[0], ContractAddress: contract},
		{Handle: enc.Handles[1], ContractAddress: contract},
	}}, &dec))
	assert.Equal(t, map[string]string{enc.Handles[0].Hex(): "1000", enc.Handles[1].Hex(): "42"}, dec.Values)
}

func TestServer_Errors(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	var errResp errorResponse
	require.Equal(t, http.StatusBadRequest, doJSON(t, h, http.MethodPost, "/api/v1/instance", InstanceRequest{NetworkID: 999}, &errResp))
	assert.Equal(t, string(interfaces.CodeChainNotConfigured), errResp.Code)

	var st SessionResponse
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/api/v1/session", nil, &st))
	assert.Equal(t, interfaces.StatusError, st.Status)
	assert.Equal(t, string(interfaces.CodeChainNotConfigured), st.Code)

	require.Equal(t, http.StatusBadRequest, doJSON(t, h, http.MethodPut, "/api/v1/networks", NetworksRequest{}, &errResp))

	var networks NetworksRequest
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodPut, "/api/v1/networks", NetworksRequest{Networks: []interfaces.NetworkID{31337, 11155111}}, &networks))
	assert.Equal(t, []interfaces.NetworkID{31337, 11155111}, networks.Networks)

	require.Equal(t, http.StatusNotImplemented, doJSON(t, h, http.MethodPost, "/api/v1/decrypt", DecryptRequest{}, &errResp))
	require.Equal(t, http.StatusNotImplemented, doJSON(t, h, http.MethodPost, "/api/v1/authorization", AuthorizationRequest{}, &errResp))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/instance", bytes.NewReader([]byte("{")))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Readiness(t *testing.T) {
	srv, _ := newTestServer(t, false)
	h := srv.Handler()

	var status struct {
		Status string `json:"status"`
	}
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/livez", nil, &status))
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/readyz", nil, &status))

	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/drain", nil, &status))
	assert.Equal(t, "draining", status.Status)
	require.Equal(t, http.StatusServiceUnavailable, doJSON(t, h, http.MethodGet, "/readyz", nil, &status))
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/drain", nil, &status))
	assert.Equal(t, "already draining", status.Status)

	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/undrain", nil, &status))
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/readyz", nil, &status))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotImplemented, statusFor(interfaces.NewError(interfaces.CodeSSRNotSupported, "no bridge")))
	assert.Equal(t, http.StatusForbidden, statusFor(interfaces.NewError(interfaces.CodeSignatureExpired, "expired")))
	assert.Equal(t, http.StatusBadGateway, statusFor(interfaces.NewError(interfaces.CodeWeb3ClientVersion, "geth")))
	assert.Equal(t, http.StatusRequestTimeout, statusFor(interfaces.ErrCanceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}
