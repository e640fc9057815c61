// Package store adapts realtime key-value backends to the two per-bus
// namespaces the tracker persists. Values are opaque JSON documents; decoding
// and validation belong to the managers that own each namespace.
package store

import (
	"context"
	"errors"
	"fmt"
)

type Namespace string

const (
	LiveShares Namespace = "liveShares"
	Sightings  Namespace = "sightings"
)

func (n Namespace) Valid() bool { return n == LiveShares || n == Sightings }

// Ref addresses one namespace of one bus.
type Ref struct {
	BusID     string
	Namespace Namespace
}

func (r Ref) String() string { return "buses/" + r.BusID + "/" + string(r.Namespace) }

func (r Ref) validate() error {
	if r.BusID == "" {
		return errors.New("empty bus id")
	}
	if !r.Namespace.Valid() {
		return fmt.Errorf("unknown namespace %q", r.Namespace)
	}
	return nil
}

// Store is the realtime persistence contract.
//
// Watch calls fn once promptly after registration and again after every
// change to ref. Calls for a single watcher are serialized; watchers never
// block each other. The returned cancel stops further calls and releases
// the listener.
type Store interface {
	Put(ctx context.Context, ref Ref, key string, value []byte) error
	// List returns the values of the limit most recently written keys, or
	// every key when limit <= 0.
	List(ctx context.Context, ref Ref, limit int) (map[string][]byte, error)
	Watch(ctx context.Context, ref Ref, fn func()) (cancel func(), err error)
	Ping(ctx context.Context) error
	Close() error
}
