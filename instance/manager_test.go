package instance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/ruteri/fhevm-session/chain"
	"github.com/ruteri/fhevm-session/interfaces"
	"github.com/ruteri/fhevm-session/session"
	"github.com/ruteri/fhevm-session/storage"
	"github.com/stretchr/testify/require"
)

const (
	localURL   = "http://localhost:8545"
	sepoliaURL = "https://sepolia.example"
	aclAddress = "0x687820221192C5B662b25367F70076A37bc79b6c"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeInstance struct {
	id interfaces.NetworkID
}

func (f *fakeInstance) NetworkID() interfaces.NetworkID { return f.id }

func (f *fakeInstance) GenerateKeypair() (interfaces.Keypair, error) {
	return interfaces.Keypair{}, nil
}

func (f *fakeInstance) CreateEIP712([]byte, []interfaces.ContractAddress, int64, int64) (apitypes.TypedData, error) {
	return apitypes.TypedData{}, nil
}

func (f *fakeInstance) EncryptInput(context.Context, interfaces.ContractAddress, interfaces.ContractAddress, []interfaces.InputValue) (*interfaces.EncryptedInput, error) {
	return &interfaces.EncryptedInput{}, nil
}

func (f *fakeInstance) UserDecrypt(context.Context, *interfaces.UserDecryptRequest) (map[interfaces.Handle]*big.Int, error) {
	return nil, nil
}

type fakeSimulated struct {
	built atomic.Int32
	last  interfaces.SimulatedConfig
}

func (f *fakeSimulated) NewSimulatedInstance(_ context.Context, cfg interfaces.SimulatedConfig) (interfaces.Instance, error) {
	f.built.Add(1)
	f.last = cfg
	return &fakeInstance{id: cfg.NetworkID}, nil
}

type fakeBridge struct {
	inits    atomic.Int32
	fetches  atomic.Int32
	built    atomic.Int32
	initErr  error
	entered  chan struct{}
	release  chan struct{}
	enterOne sync.Once
}

func (f *fakeBridge) Init(context.Context) error {
	f.inits.Add(1)
	return f.initErr
}

func (f *fakeBridge) FetchPublicKey(_ context.Context, cfg interfaces.NetworkConfig) (*interfaces.PublicKeyParams, error) {
	f.fetches.Add(1)
	return &interfaces.PublicKeyParams{PublicKeyID: "key-" + cfg.NetworkID.String(), PublicKey: []byte{1, 2, 3}}, nil
}

func (f *fakeBridge) NewInstance(ctx context.Context, cfg interfaces.NetworkConfig, _ *interfaces.PublicKeyParams) (interfaces.Instance, error) {
	f.built.Add(1)
	if f.entered != nil {
		f.enterOne.Do(func() { close(f.entered) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &fakeInstance{id: cfg.NetworkID}, nil
}

func hardhatNode() *chain.StaticRequester {
	return chain.NewStaticRequester(map[string]any{
		"eth_chainId":        "0x7a69",
		"web3_clientVersion": "HardhatNetwork/2.22.0",
		"fhevm_relayer_metadata": map[string]any{
			"ACLAddress":           "0x50157CFfD6bBFA2DECe204a89ec419c23ef5755D",
			"InputVerifierAddress": "0x901F8942346f7AB3a01F6D7613119Bca447Bb030",
			"KMSVerifierAddress":   "0x1364cBBf2cDF5032C47d8226a6f6FBD2AFCDacAC",
		},
	})
}

type testEnv struct {
	store     *session.Store
	manager   *Manager
	simulated *fakeSimulated
	bridge    *fakeBridge
	mem       *storage.MemoryStore
}

func newTestEnv(t *testing.T, networks []interfaces.NetworkID, nodes map[string]chain.Requester, bridge *fakeBridge, acl string) *testEnv {
	t.Helper()

	store, err := session.NewStore(session.Config{
		Networks:   networks,
		Simulation: map[interfaces.NetworkID]string{chain.LocalNetworkID: localURL},
	}, discardLogger())
	require.NoError(t, err)

	mem := storage.NewMemoryStore()
	env := &testEnv{store: store, simulated: &fakeSimulated{}, bridge: bridge, mem: mem}

	cfg := Config{
		Store:     store,
		Resolver:  chain.NewResolver(store.Simulation(), discardLogger(), chain.WithDialer(chain.StaticDialer(nodes))),
		Simulated: env.simulated,
		Networks: map[interfaces.NetworkID]interfaces.NetworkConfig{
			11155111: {NetworkID: 11155111, RPCURL: sepoliaURL, ACLAddress: acl},
			31337:    {NetworkID: 31337, ACLAddress: acl},
		},
		Keys: NewPublicKeyCache(storage.NewAdapter(mem, "fhevm", discardLogger()), nil),
		Log:  discardLogger(),
	}
	if bridge != nil {
		cfg.Bridge = bridge
	}

	env.manager, err = NewManager(cfg)
	require.NoError(t, err)
	return env
}

func TestAcquire_SimulatedNetwork(t *testing.T) {
	node := hardhatNode()
	env := newTestEnv(t, []interfaces.NetworkID{31337}, map[string]chain.Requester{localURL: node}, nil, aclAddress)
	ctx := context.Background()

	inst, err := env.manager.Acquire(ctx, AcquireParams{Handle: chain.URLHandle(localURL)})
	require.NoError(t, err)
	require.Equal(t, interfaces.NetworkID(31337), inst.NetworkID())
	require.Equal(t, "0x50157CFfD6bBFA2DECe204a89ec419c23ef5755D", env.simulated.last.ACLAddress.Hex())
	require.Equal(t, localURL, env.simulated.last.EndpointURL)

	st := env.store.Get()
	require.Equal(t, interfaces.StatusReady, st.Status)
	require.Same(t, inst, st.Instance)
	require.Same(t, inst, env.store.GetInstance())
	require.Same(t, inst, env.store.GetInstance(31337))

	again, err := env.manager.Acquire(ctx, AcquireParams{Handle: chain.URLHandle(localURL)})
	require.NoError(t, err)
	require.Same(t, inst, again)
	require.Equal(t, int32(1), env.simulated.built.Load())
	require.Equal(t, 1, node.Calls("web3_clientVersion"))

	// Reading the cache performs no I/O.
	calls := node.Calls("eth_chainId")
	require.Same(t, inst, env.store.GetInstance())
	require.Equal(t, calls, node.Calls("eth_chainId"))
}

func TestAcquire_ByNetworkID(t *testing.T) {
	node := hardhatNode()
	env := newTestEnv(t, []interfaces.NetworkID{31337}, map[string]chain.Requester{localURL: node}, nil, aclAddress)

	inst, err := env.manager.Acquire(context.Background(), AcquireParams{NetworkID: 31337})
	require.NoError(t, err)
	require.Equal(t, interfaces.NetworkID(31337), inst.NetworkID())

	_, err = env.manager.Acquire(context.Background(), AcquireParams{NetworkID: 5})
	require.ErrorIs(t, err, interfaces.ErrChainNotConfigured)
}

func TestAcquire_ChainNotConfigured(t *testing.T) {
	mainnet := chain.NewStaticRequester(map[string]any{"eth_chainId": "0x1"})
	env := newTestEnv(t, []interfaces.NetworkID{31337}, nil, &fakeBridge{}, aclAddress)

	_, err := env.manager.Acquire(context.Background(), AcquireParams{Handle: chain.ProviderHandle(mainnet)})
	require.ErrorIs(t, err, interfaces.ErrChainNotConfigured)

	st := env.store.Get()
	require.Equal(t, interfaces.StatusError, st.Status)
	require.ErrorIs(t, st.Err, interfaces.ErrChainNotConfigured)
	require.Equal(t, interfaces.NetworkID(31337), st.NetworkID)
	require.Equal(t, int32(0), env.bridge.built.Load())

	// Expected id must match the resolved one.
	local := hardhatNode()
	_, err = env.manager.Acquire(context.Background(), AcquireParams{Handle: chain.ProviderHandle(local), NetworkID: 11155111})
	require.ErrorIs(t, err, interfaces.ErrChainNotConfigured)
}

func TestAcquire_SSRNotSupported(t *testing.T) {
	sepolia := chain.NewStaticRequester(map[string]any{"eth_chainId": "0xaa36a7"})
	env := newTestEnv(t, []interfaces.NetworkID{11155111}, nil, nil, aclAddress)

	_, err := env.manager.Acquire(context.Background(), AcquireParams{Handle: chain.ProviderHandle(sepolia)})
	require.ErrorIs(t, err, interfaces.ErrSSRNotSupported)

	st := env.store.Get()
	require.Equal(t, interfaces.StatusError, st.Status)
	require.Nil(t, st.Instance)
	require.ErrorIs(t, st.Err, interfaces.ErrSSRNotSupported)
}

func TestAcquire_ProbeFailureFallsBackToProduction(t *testing.T) {
	geth := chain.NewStaticRequester(map[string]any{
		"eth_chainId":        "0x7a69",
		"web3_clientVersion": "Geth/v1.15.6",
	})
	bridge := &fakeBridge{}
	env := newTestEnv(t, []interfaces.NetworkID{31337}, map[string]chain.Requester{localURL: geth}, bridge, aclAddress)

	inst, err := env.manager.Acquire(context.Background(), AcquireParams{Handle: chain.URLHandle(localURL)})
	require.NoError(t, err)
	require.Equal(t, interfaces.NetworkID(31337), inst.NetworkID())
	require.Equal(t, int32(0), env.simulated.built.Load())
	require.Equal(t, int32(1), bridge.built.Load())
}

func TestAcquire_Production(t *testing.T) {
	sepolia := chain.NewStaticRequester(map[string]any{"eth_chainId": "0xaa36a7"})
	bridge := &fakeBridge{}
	env := newTestEnv(t, []interfaces.NetworkID{11155111}, map[string]chain.Requester{sepoliaURL: sepolia}, bridge, aclAddress)
	ctx := context.Background()

	inst, err := env.manager.Acquire(ctx, AcquireParams{NetworkID: 11155111})
	require.NoError(t, err)
	require.Equal(t, interfaces.NetworkID(11155111), inst.NetworkID())
	require.Equal(t, int32(1), bridge.inits.Load())
	require.Equal(t, int32(1), bridge.fetches.Load())

	data, err := env.mem.Get(ctx, "fhevm.public-key.0x687820221192c5b662b25367f70076a37bc79b6c")
	require.NoError(t, err)
	require.Contains(t, string(data), `"publicKeyId":"key-11155111"`)

	// A new process reuses the persisted key and initializes its bridge once.
	bridge2 := &fakeBridge{}
	env2 := newTestEnv(t, []interfaces.NetworkID{11155111}, map[string]chain.Requester{sepoliaURL: sepolia}, bridge2, aclAddress)
	env2.manager.keys = NewPublicKeyCache(storage.NewAdapter(env.mem, "fhevm", discardLogger()), nil)

	_, err = env2.manager.Acquire(ctx, AcquireParams{NetworkID: 11155111})
	require.NoError(t, err)
	require.Equal(t, int32(0), bridge2.fetches.Load())
	require.Equal(t, int32(1), bridge2.inits.Load())
}

func TestAcquire_InvalidACLAddress(t *testing.T) {
	sepolia := chain.NewStaticRequester(map[string]any{"eth_chainId": "0xaa36a7"})
	env := newTestEnv(t, []interfaces.NetworkID{11155111}, nil, &fakeBridge{}, "0xnot-an-address")

	_, err := env.manager.Acquire(context.Background(), AcquireParams{Handle: chain.ProviderHandle(sepolia)})
	require.ErrorIs(t, err, interfaces.ErrInvalidACLAddress)
	require.Equal(t, interfaces.StatusError, env.store.Get().Status)
}

func TestAcquire_BridgeInitFailureIsRetried(t *testing.T) {
	sepolia := chain.NewStaticRequester(map[string]any{"eth_chainId": "0xaa36a7"})
	bridge := &fakeBridge{initErr: errors.New("engine unavailable")}
	env := newTestEnv(t, []interfaces.NetworkID{11155111}, nil, bridge, aclAddress)
	ctx := context.Background()

	_, err := env.manager.Acquire(ctx, AcquireParams{Handle: chain.ProviderHandle(sepolia)})
	var coded *interfaces.Error
	require.ErrorAs(t, err, &coded)
	require.Equal(t, interfaces.CodeInstanceCreationFailure, coded.Code)

	bridge.initErr = nil
	_, err = env.manager.Acquire(ctx, AcquireParams{Handle: chain.ProviderHandle(sepolia)})
	require.NoError(t, err)
	require.Equal(t, int32(2), bridge.inits.Load())
	require.Equal(t, interfaces.StatusReady, env.store.Get().Status)
}

func TestAcquire_Canceled(t *testing.T) {
	sepolia := chain.NewStaticRequester(map[string]any{"eth_chainId": "0xaa36a7"})
	bridge := &fakeBridge{entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(t, []interfaces.NetworkID{11155111}, nil, bridge, aclAddress)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-bridge.entered
		cancel()
	}()

	_, err := env.manager.Acquire(ctx, AcquireParams{Handle: chain.ProviderHandle(sepolia)})
	require.ErrorIs(t, err, interfaces.ErrCanceled)

	require.Eventually(t, func() bool {
		return env.store.Get().Status == interfaces.StatusIdle
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, env.store.Get().Err)
	require.False(t, env.store.Instances().Has(11155111))

	_, err = env.manager.Acquire(ctx, AcquireParams{Handle: chain.ProviderHandle(sepolia)})
	require.ErrorIs(t, err, interfaces.ErrCanceled)
}

func TestAcquire_ConcurrentCallsShareConstruction(t *testing.T) {
	sepolia := chain.NewStaticRequester(map[string]any{"eth_chainId": "0xaa36a7"})
	bridge := &fakeBridge{entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(t, []interfaces.NetworkID{11155111}, nil, bridge, aclAddress)

	const callers = 5
	results := make([]interfaces.Instance, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = env.manager.Acquire(context.Background(), AcquireParams{Handle: chain.ProviderHandle(sepolia)})
		}()
	}

	<-bridge.entered
	time.Sleep(20 * time.Millisecond)
	close(bridge.release)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Same(t, results[0], results[i])
	}
	require.Equal(t, int32(1), bridge.built.Load())
}

func TestAcquire_CanceledLeaderDoesNotFailFollowers(t *testing.T) {
	sepolia := chain.NewStaticRequester(map[string]any{"eth_chainId": "0xaa36a7"})
	bridge := &fakeBridge{entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(t, []interfaces.NetworkID{11155111}, nil, bridge, aclAddress)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := env.manager.Acquire(leaderCtx, AcquireParams{Handle: chain.ProviderHandle(sepolia)})
		leaderErr <- err
	}()
	<-bridge.entered

	followerDone := make(chan interfaces.Instance, 1)
	go func() {
		inst, err := env.manager.Acquire(context.Background(), AcquireParams{Handle: chain.ProviderHandle(sepolia)})
		if err != nil {
			followerDone <- nil
			return
		}
		followerDone <- inst
	}()

	time.Sleep(20 * time.Millisecond)
	cancelLeader()
	require.ErrorIs(t, <-leaderErr, interfaces.ErrCanceled)

	close(bridge.release)
	inst := <-followerDone
	require.NotNil(t, inst)
	require.True(t, env.store.Instances().Has(11155111))
}

func TestAcquire_CanceledDoesNotOverwriteNewerState(t *testing.T) {
	sepolia := chain.NewStaticRequester(map[string]any{"eth_chainId": "0xaa36a7"})
	bridge := &fakeBridge{entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(t, []interfaces.NetworkID{31337, 11155111},
		map[string]chain.Requester{localURL: hardhatNode()}, bridge, aclAddress)

	ctx, cancel := context.WithCancel(context.Background())
	canceledErr := make(chan error, 1)
	go func() {
		_, err := env.manager.Acquire(ctx, AcquireParams{Handle: chain.ProviderHandle(sepolia)})
		canceledErr <- err
	}()
	<-bridge.entered

	local, err := env.manager.Acquire(context.Background(), AcquireParams{Handle: chain.URLHandle(localURL)})
	require.NoError(t, err)

	cancel()
	require.ErrorIs(t, <-canceledErr, interfaces.ErrCanceled)

	st := env.store.Get()
	require.Equal(t, interfaces.StatusReady, st.Status)
	require.Equal(t, interfaces.NetworkID(31337), st.NetworkID)
	require.Same(t, local, st.Instance)
	require.False(t, env.store.Instances().Has(11155111))
}

// cancelAfterCall cancels its context once the wrapped call has returned.
type cancelAfterCall struct {
	chain.Requester
	cancel context.CancelFunc
}

func (c *cancelAfterCall) CallContext(ctx context.Context, result any, method string, args ...any) error {
	err := c.Requester.CallContext(ctx, result, method, args...)
	c.cancel()
	return err
}

func TestAcquire_CanceledOnCacheHit(t *testing.T) {
	node := hardhatNode()
	env := newTestEnv(t, []interfaces.NetworkID{31337}, map[string]chain.Requester{localURL: node}, nil, aclAddress)

	inst, err := env.manager.Acquire(context.Background(), AcquireParams{Handle: chain.URLHandle(localURL)})
	require.NoError(t, err)
	before := env.store.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = env.manager.Acquire(ctx, AcquireParams{Handle: chain.ProviderHandle(&cancelAfterCall{Requester: node, cancel: cancel})})
	require.ErrorIs(t, err, interfaces.ErrCanceled)

	require.Equal(t, before, env.store.Get())
	require.Same(t, inst, env.store.GetInstance())
	require.Equal(t, int32(1), env.simulated.built.Load())
}
