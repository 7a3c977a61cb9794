// Package instance acquires the per-network cryptographic instance.
//
// Manager.Acquire resolves a network handle, publishes loading/ready/error
// transitions on the session store and constructs an instance at most once
// per network id. Concurrent acquisitions of the same uncached network share
// one construction; a caller whose shared construction was canceled by
// another caller retries under its own context.
//
// Simulated networks are probed first and built by a SimulatedFactory. When
// the probe fails, or for production networks, the Bridge is initialized once
// and the network public key is loaded from the PublicKeyCache or fetched and
// persisted under "public-key.<acl address>".
package instance
