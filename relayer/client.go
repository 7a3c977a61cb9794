package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrRelayer is returned when the relayer answers with an error status.
var ErrRelayer = errors.New("relayer request failed")

// KeyURLResponse lists where the network key material can be downloaded.
type KeyURLResponse struct {
	Response struct {
		FheKeyInfo []struct {
			FhePublicKey KeyLocation `json:"fhe_public_key"`
		} `json:"fhe_key_info"`
		CRS map[string]KeyLocation `json:"crs"`
	} `json:"response"`
}

// KeyLocation identifies a downloadable key.
type KeyLocation struct {
	DataID string   `json:"data_id"`
	URLs   []string `json:"urls"`
}

// InputProofRequest asks the relayer to verify an encrypted input.
type InputProofRequest struct {
	ContractAddress                 string         `json:"contractAddress"`
	UserAddress                     string         `json:"userAddress"`
	CiphertextWithInputVerification hexutil.Bytes  `json:"ciphertextWithInputVerification"`
	ContractChainID                 hexutil.Uint64 `json:"contractChainId"`
	ExtraData                       hexutil.Bytes  `json:"extraData"`
}

// InputProofResponse carries the handles and coprocessor signatures of an input.
type InputProofResponse struct {
	Response struct {
		Handles    []string `json:"handles"`
		Signatures []string `json:"signatures"`
	} `json:"response"`
}

// RequestValidity is the validity window of a user decryption.
type RequestValidity struct {
	StartTimestamp string `json:"startTimestamp"`
	DurationDays   string `json:"durationDays"`
}

// HandleContractPair is the wire form of interfaces.HandleContractPair.
type HandleContractPair struct {
	Handle          string `json:"handle"`
	ContractAddress string `json:"contractAddress"`
}

// UserDecryptRequest asks the relayer for decryption shares re-encrypted to a
// user's public key.
type UserDecryptRequest struct {
	HandleContractPairs []HandleContractPair `json:"handleContractPairs"`
	RequestValidity     RequestValidity      `json:"requestValidity"`
	ContractsChainID    string               `json:"contractsChainId"`
	ContractAddresses   []string             `json:"contractAddresses"`
	UserAddress         string               `json:"userAddress"`
	Signature           string               `json:"signature"`
	PublicKey           string               `json:"publicKey"`
	ExtraData           string               `json:"extraData"`
}

// DecryptShare is one KMS node's re-encrypted share.
type DecryptShare struct {
	Payload   hexutil.Bytes `json:"payload"`
	Signature hexutil.Bytes `json:"signature"`
}

type userDecryptResponse struct {
	Response []DecryptShare `json:"response"`
}

// Client talks to a relayer.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// NewClient creates a relayer client. A nil httpClient uses a client with a
// 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		log:     log,
	}
}

// KeyURLs fetches the key discovery document.
func (c *Client) KeyURLs(ctx context.Context) (*KeyURLResponse, error) {
	var resp KeyURLResponse
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/keyurl", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Download fetches raw key material.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not download %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: %s", ErrRelayer, url, resp.Status)
	}
	return body, nil
}

// InputProof submits an encrypted input for verification.
func (c *Client) InputProof(ctx context.Context, payload *InputProofRequest) (*InputProofResponse, error) {
	var resp InputProofResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/input-proof", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UserDecrypt requests decryption shares.
func (c *Client) UserDecrypt(ctx context.Context, payload *UserDecryptRequest) ([]DecryptShare, error) {
	var resp userDecryptResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/user-decrypt", payload, &resp); err != nil {
		return nil, err
	}
	return resp.Response, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("could not request %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}

	c.log.Debug("Relayer request",
		slog.String("method", method),
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s %s: %s: %s", ErrRelayer, method, url, resp.Status, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}
