// Package session holds the mutable session record and the per-network
// instance cache.
//
// The Store keeps a single State {NetworkID, Instance, Status, Err} that is
// changed only through Store.Set with a reducer. Every result is validated
// before it is applied: a ready state carries an instance, an error state
// carries an error, and the network id belongs to the network set or the
// simulation table. Subscribers select a slice of the state and are called
// with (new, previous) whenever the slice changes.
//
// Persistence decorates a Store and keeps only the selected network id in a
// storage.Adapter under the "state" key. Rehydration always restarts at idle.
package session
