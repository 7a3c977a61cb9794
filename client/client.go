// Package client ties the instance manager and the authorization cache into
// the operations an application performs: select a network, encrypt inputs
// and decrypt values it is authorized to read.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ruteri/fhevm-session/authz"
	"github.com/ruteri/fhevm-session/instance"
	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/ruteri/fhevm-session/session"
)

var (
	ErrNotReady  = errors.New("no ready instance for the selected network")
	ErrNoHandles = errors.New("no handles to decrypt")
)

// Config configures a Client.
type Config struct {
	Manager        *instance.Manager
	Authorizations *authz.Cache
	Log            *slog.Logger
}

// Client is the application facing session API.
type Client struct {
	manager *instance.Manager
	authz   *authz.Cache
	log     *slog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Manager == nil {
		return nil, errors.New("instance manager is required")
	}
	if cfg.Authorizations == nil {
		return nil, errors.New("authorization cache is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Client{manager: cfg.Manager, authz: cfg.Authorizations, log: cfg.Log}, nil
}

// Store returns the session store.
func (c *Client) Store() *session.Store {
	return c.manager.Store()
}

// Acquire selects the network of params and returns its instance.
func (c *Client) Acquire(ctx context.Context, params instance.AcquireParams) (interfaces.Instance, error) {
	return c.manager.Acquire(ctx, params)
}

// Instance returns the instance of the selected network once it is ready.
func (c *Client) Instance() (interfaces.Instance, error) {
	st := c.manager.Store().Get()
	if st.Status != interfaces.StatusReady || st.Instance == nil {
		return nil, fmt.Errorf("%w: network %d is %s", ErrNotReady, st.NetworkID, st.Status)
	}
	return st.Instance, nil
}

// Authorize returns an authorization of signer covering contracts, signing a
// new one when none is cached.
func (c *Client) Authorize(ctx context.Context, contracts []interfaces.ContractAddress, signer authz.Signer) (*authz.Artifact, error) {
	inst, err := c.Instance()
	if err != nil {
		return nil, err
	}
	return c.authz.LoadOrSign(ctx, inst, contracts, signer)
}

// Encrypt encrypts values as inputs to contract from user.
func (c *Client) Encrypt(ctx context.Context, contract, user interfaces.ContractAddress, values []interfaces.InputValue) (*interfaces.EncryptedInput, error) {
	inst, err := c.Instance()
	if err != nil {
		return nil, err
	}
	out, err := inst.EncryptInput(ctx, contract, user, values)
	if err != nil {
		c.record(err)
		return nil, err
	}
	return out, nil
}

// Decrypt reveals handles to signer. Every call goes through the
// authorization cache, so an authorization that does not cover all the
// handles' contracts is replaced by a new signature.
func (c *Client) Decrypt(ctx context.Context, handles []interfaces.HandleContractPair, signer authz.Signer) (map[interfaces.Handle]*big.Int, error) {
	if len(handles) == 0 {
		return nil, ErrNoHandles
	}
	inst, err := c.Instance()
	if err != nil {
		return nil, err
	}

	contracts := make([]interfaces.ContractAddress, len(handles))
	for i, h := range handles {
		contracts[i] = h.ContractAddress
	}

	artifact, err := c.authz.LoadOrSign(ctx, inst, contracts, signer)
	if err != nil {
		return nil, err
	}

	values, err := inst.UserDecrypt(ctx, artifact.DecryptRequest(handles))
	if err != nil {
		c.record(err)
		return nil, err
	}

	c.log.Debug("Decrypted handles",
		slog.Uint64("networkId", uint64(inst.NetworkID())),
		slog.String("user", signer.Address().Hex()),
		slog.Int("handles", len(handles)))
	return values, nil
}

func (c *Client) record(err error) {
	if errors.Is(err, interfaces.ErrCanceled) {
		return
	}
	c.manager.Store().RecordError(err)
}
