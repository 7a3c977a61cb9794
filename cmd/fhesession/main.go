package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/fhevm-session/authz"
	"github.com/ruteri/fhevm-session/chain"
	"github.com/ruteri/fhevm-session/cmd/flags"
	"github.com/ruteri/fhevm-session/httpserver"
	"github.com/ruteri/fhevm-session/instance"
	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/ruteri/fhevm-session/session"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "fhesession",
		Usage: "Manage FHEVM sessions: network instances and decryption authorizations",
		Flags: flags.CommonFlags,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "serve the session API",
				Flags:  append(append([]cli.Flag{}, flags.ServerFlags...), flags.NetworkIDFlag),
				Action: serve,
			},
			{
				Name:   "instance",
				Usage:  "select a network and build its instance",
				Flags:  flags.NetworkFlags,
				Action: acquire,
			},
			{
				Name:   "authorize",
				Usage:  "return a cached or newly signed decryption authorization",
				Flags:  append(append([]cli.Flag{}, flags.NetworkFlags...), flags.ContractFlag),
				Action: authorize,
			},
			{
				Name:   "state",
				Usage:  "print the persisted session",
				Action: state,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setup(cCtx *cli.Context, withMetrics bool) (*runtime, error) {
	logger := flags.SetupLogger(cCtx)

	cfg, err := flags.LoadConfig(cCtx)
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		return nil, err
	}

	rt, err := newRuntime(cCtx.Context, cfg, logger, runtimeOpts{
		SignerKey:   cCtx.String(flags.SignerKeyFlag.Name),
		WithMetrics: withMetrics,
	})
	if err != nil {
		logger.Error("Failed to set up session", "err", err)
		return nil, err
	}
	return rt, nil
}

func serve(cCtx *cli.Context) error {
	rt, err := setup(cCtx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	handler := httpserver.NewHandler(rt.client, rt.signer, rt.log)
	server, err := httpserver.New(flags.ConfigureServer(rt.cfg, rt.log), handler, rt.metrics)
	if err != nil {
		rt.log.Error("Failed to create server", "err", err)
		return err
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	server.RunInBackground()
	<-exit

	server.Shutdown()
	return nil
}

func acquireFromFlags(cCtx *cli.Context, rt *runtime) error {
	params := instance.AcquireParams{NetworkID: interfaces.NetworkID(cCtx.Uint64(flags.NetworkIDFlag.Name))}
	if url := cCtx.String(flags.RpcURLFlag.Name); url != "" {
		params.Handle = chain.URLHandle(url)
	}
	if params.Handle.IsZero() && params.NetworkID == 0 {
		params.NetworkID = rt.store.Get().NetworkID
	}

	ctx, cancel := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	_, err := rt.client.Acquire(ctx, params)
	return err
}

func acquire(cCtx *cli.Context) error {
	rt, err := setup(cCtx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := acquireFromFlags(cCtx, rt); err != nil {
		rt.log.Error("Instance acquisition failed", "err", err)
		printJSON(httpserver.SessionResponseFor(rt.store.Get()))
		return err
	}
	return printJSON(httpserver.SessionResponseFor(rt.store.Get()))
}

func authorize(cCtx *cli.Context) error {
	rt, err := setup(cCtx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.signer == nil {
		return fmt.Errorf("--%s is required", flags.SignerKeyFlag.Name)
	}

	var contracts []interfaces.ContractAddress
	for _, raw := range cCtx.StringSlice(flags.ContractFlag.Name) {
		addr, err := interfaces.NewContractAddressFromHex(raw)
		if err != nil {
			return fmt.Errorf("invalid contract %q: %w", raw, err)
		}
		contracts = append(contracts, addr)
	}

	if err := acquireFromFlags(cCtx, rt); err != nil {
		rt.log.Error("Instance acquisition failed", "err", err)
		return err
	}

	artifact, err := rt.client.Authorize(cCtx.Context, contracts, rt.signer)
	if err != nil {
		rt.log.Error("Authorization failed", "err", err)
		return err
	}
	return printJSON(authorizationResponse(artifact))
}

func authorizationResponse(a *authz.Artifact) httpserver.AuthorizationResponse {
	return httpserver.AuthorizationResponse{
		UserAddress:       a.UserAddress,
		ContractAddresses: a.ContractAddresses,
		PublicKey:         a.PublicKey,
		StartTimestamp:    a.StartTimestamp,
		DurationDays:      a.DurationDays,
		ExpiresAt:         a.ExpiresAt().UTC(),
	}
}

type stateOutput struct {
	Storage   string                     `json:"storage"`
	Networks  []interfaces.NetworkID     `json:"networks"`
	Session   httpserver.SessionResponse `json:"session"`
	Persisted *session.PersistedState    `json:"persisted,omitempty"`
}

func state(cCtx *cli.Context) error {
	rt, err := setup(cCtx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := stateOutput{
		Storage:  rt.kv.LocationURI(),
		Networks: rt.store.Networks(),
		Session:  httpserver.SessionResponseFor(rt.store.Get()),
	}

	var persisted session.PersistedState
	found, err := rt.adapter.Get(cCtx.Context, session.StateKey, &persisted)
	switch {
	case err != nil:
		rt.log.Warn("Persisted session is unreadable", "err", err)
	case found:
		out.Persisted = &persisted
	}
	return printJSON(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
