package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ruteri/fhevm-session/authz"
	"github.com/ruteri/fhevm-session/chain"
	"github.com/ruteri/fhevm-session/client"
	"github.com/ruteri/fhevm-session/instance"
	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/ruteri/fhevm-session/session"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// ErrNoSigner is returned by endpoints that need a signing key when the
// daemon runs without one.
var ErrNoSigner = errors.New("no signer configured")

// RequestError provides structured error information for HTTP responses.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

// SessionResponse is the observable session state.
type SessionResponse struct {
	NetworkID interfaces.NetworkID `json:"networkId"`
	Status    interfaces.Status    `json:"status"`
	Error     string               `json:"error,omitempty"`
	Code      string               `json:"code,omitempty"`
}

// NetworksRequest replaces the network set.
type NetworksRequest struct {
	Networks []interfaces.NetworkID `json:"networks"`
}

// InstanceRequest selects a network by RPC endpoint, by id, or both.
type InstanceRequest struct {
	NetworkID interfaces.NetworkID `json:"networkId"`
	RPCURL    string               `json:"rpcUrl"`
}

// AuthorizationRequest asks for an authorization covering contracts.
type AuthorizationRequest struct {
	Contracts []interfaces.ContractAddress `json:"contracts"`
}

// AuthorizationResponse describes an authorization without its private key.
type AuthorizationResponse struct {
	UserAddress       interfaces.ContractAddress   `json:"userAddress"`
	ContractAddresses []interfaces.ContractAddress `json:"contractAddresses"`
	PublicKey         hexutil.Bytes                `json:"publicKey"`
	StartTimestamp    int64                        `json:"startTimestamp"`
	DurationDays      int64                        `json:"durationDays"`
	ExpiresAt         time.Time                    `json:"expiresAt"`
}

// EncryptValue is one plaintext of an encrypt request. Value is decimal or
// 0x-prefixed hex.
type EncryptValue struct {
	Type  interfaces.FheType    `json:"type"`
	Value *math.HexOrDecimal256 `json:"value"`
}

// EncryptRequest encrypts values as inputs to Contract from User.
type EncryptRequest struct {
	Contract interfaces.ContractAddress `json:"contract"`
	User     interfaces.ContractAddress `json:"user"`
	Values   []EncryptValue             `json:"values"`
}

type EncryptResponse struct {
	Handles    []interfaces.Handle `json:"handles"`
	InputProof hexutil.Bytes       `json:"inputProof"`
}

// DecryptRequest lists the handles to reveal.
type DecryptRequest struct {
	Handles []interfaces.HandleContractPair `json:"handles"`
}

// DecryptResponse maps each handle to its decimal plaintext.
type DecryptResponse struct {
	Values map[string]string `json:"values"`
}

// Handler serves the session API of a client.
type Handler struct {
	client *client.Client
	signer authz.Signer
	log    *slog.Logger
}

// NewHandler creates a handler. Without a signer the authorization and
// decrypt endpoints answer 501.
func NewHandler(c *client.Client, signer authz.Signer, log *slog.Logger) *Handler {
	return &Handler{client: c, signer: signer, log: log}
}

// HandleSession returns the session state.
//
// URL format: GET /api/v1/session
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, SessionResponseFor(h.client.Store().Get()))
}

// HandleNetworks returns the network set.
//
// URL format: GET /api/v1/networks
func (h *Handler) HandleNetworks(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, NetworksRequest{Networks: h.client.Store().Networks()})
}

// HandleSetNetworks replaces the network set.
//
// URL format: PUT /api/v1/networks
func (h *Handler) HandleSetNetworks(w http.ResponseWriter, r *http.Request) {
	var req NetworksRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.client.Store().SetNetworks(req.Networks); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("Network set replaced", slog.Int("networks", len(req.Networks)))
	h.writeJSON(w, NetworksRequest{Networks: h.client.Store().Networks()})
}

// HandleAcquire selects a network and waits for its instance.
//
// URL format: POST /api/v1/instance
func (h *Handler) HandleAcquire(w http.ResponseWriter, r *http.Request) {
	var req InstanceRequest
	if !h.decode(w, r, &req) {
		return
	}

	params := instance.AcquireParams{NetworkID: req.NetworkID}
	if req.RPCURL != "" {
		params.Handle = chain.URLHandle(req.RPCURL)
	}
	if _, err := h.client.Acquire(r.Context(), params); err != nil {
		h.log.Warn("Instance acquisition failed", "err", err,
			slog.Uint64("networkId", uint64(req.NetworkID)),
			slog.String("rpcUrl", req.RPCURL))
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, SessionResponseFor(h.client.Store().Get()))
}

// HandleAuthorize returns an authorization of the daemon signer for the
// requested contracts, signing one if none is cached.
//
// URL format: POST /api/v1/authorization
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusNotImplemented, Err: ErrNoSigner})
		return
	}
	var req AuthorizationRequest
	if !h.decode(w, r, &req) {
		return
	}

	artifact, err := h.client.Authorize(r.Context(), req.Contracts, h.signer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, AuthorizationResponse{
		UserAddress:       artifact.UserAddress,
		ContractAddresses: artifact.ContractAddresses,
		PublicKey:         artifact.PublicKey,
		StartTimestamp:    artifact.StartTimestamp,
		DurationDays:      artifact.DurationDays,
		ExpiresAt:         artifact.ExpiresAt().UTC(),
	})
}

// HandleEncrypt encrypts input values.
//
// URL format: POST /api/v1/encrypt
func (h *Handler) HandleEncrypt(w http.ResponseWriter, r *http.Request) {
	var req EncryptRequest
	if !h.decode(w, r, &req) {
		return
	}

	values := make([]interfaces.InputValue, len(req.Values))
	for i, v := range req.Values {
		if v.Value == nil {
			h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("value %d is missing", i)})
			return
		}
		values[i] = interfaces.InputValue{Type: v.Type, Value: (*big.Int)(v.Value)}
	}

	enc, err := h.client.Encrypt(r.Context(), req.Contract, req.User, values)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, EncryptResponse{Handles: enc.Handles, InputProof: enc.InputProof})
}

// HandleDecrypt reveals handles to the daemon signer.
//
// URL format: POST /api/v1/decrypt
func (h *Handler) HandleDecrypt(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusNotImplemented, Err: ErrNoSigner})
		return
	}
	var req DecryptRequest
	if !h.decode(w, r, &req) {
		return
	}

	values, err := h.client.Decrypt(r.Context(), req.Handles, h.signer)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := DecryptResponse{Values: make(map[string]string, len(values))}
	for handle, v := range values {
		resp.Values[handle.Hex()] = v.String()
	}
	h.writeJSON(w, resp)
}

// SessionResponseFor renders st for clients.
func SessionResponseFor(st session.State) SessionResponse {
	resp := SessionResponse{NetworkID: st.NetworkID, Status: st.Status}
	if st.Err != nil {
		resp.Error = st.Err.Error()
		var coded *interfaces.Error
		if errors.As(st.Err, &coded) {
			resp.Code = string(coded.Code)
		}
	}
	return resp
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		h.writeError(w, &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf("invalid request body: %w", err)})
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	var coded *interfaces.Error
	if errors.As(err, &coded) {
		resp.Code = string(coded.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode error response", "err", err)
	}
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}

	switch {
	case errors.Is(err, interfaces.ErrCanceled):
		return http.StatusRequestTimeout
	case errors.Is(err, client.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyNetworkSet),
		errors.Is(err, session.ErrInvalidState),
		errors.Is(err, client.ErrNoHandles),
		errors.Is(err, authz.ErrNoContracts):
		return http.StatusBadRequest
	}

	var coded *interfaces.Error
	if !errors.As(err, &coded) {
		return http.StatusInternalServerError
	}
	switch coded.Code {
	case interfaces.CodeChainNotConfigured, interfaces.CodeInvalidACLAddress:
		return http.StatusBadRequest
	case interfaces.CodeSSRNotSupported:
		return http.StatusNotImplemented
	case interfaces.CodeSignature, interfaces.CodeSignatureExpired, interfaces.CodeSignatureMismatch:
		return http.StatusForbidden
	case interfaces.CodeWeb3ClientVersion, interfaces.CodeRelayerMetadata:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
