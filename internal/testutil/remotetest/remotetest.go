// Package remotetest provides in-memory gateway endpoints for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/danmuck/puzzlectl/internal/gateway"
)

// Endpoint is a scriptable gateway.Endpoint. Configure fields before first use.
type Endpoint struct {
	// Unavailable makes WaitReady block until its context ends.
	Unavailable bool
	// Silent accepts requests but never replies.
	Silent bool
	// Release, when non-nil, holds every reply until it is closed.
	Release chan struct{}
	// Payload is returned on success; Err is returned instead when set.
	Payload json.RawMessage
	Err     error
	// OnSend runs synchronously inside Send, before the reply is scheduled.
	OnSend func(operation string)

	waits  atomic.Int64
	sends  atomic.Int64
	closed atomic.Bool

	mu       sync.Mutex
	requests []json.RawMessage
}

var _ gateway.Endpoint = (*Endpoint)(nil)

// Responding returns an endpoint that replies immediately with payload.
func Responding(payload string) *Endpoint {
	return &Endpoint{Payload: json.RawMessage(payload)}
}

func (e *Endpoint) WaitReady(ctx context.Context) bool {
	e.waits.Add(1)
	if e.Unavailable {
		<-ctx.Done()
		return false
	}
	return ctx.Err() == nil
}

func (e *Endpoint) Send(ctx context.Context, operation string, request json.RawMessage) (<-chan gateway.Reply, error) {
	e.sends.Add(1)
	e.mu.Lock()
	e.requests = append(e.requests, append(json.RawMessage(nil), request...))
	e.mu.Unlock()
	if e.OnSend != nil {
		e.OnSend(operation)
	}

	out := make(chan gateway.Reply, 1)
	if e.Silent {
		return out, nil
	}
	reply := gateway.Reply{Payload: e.Payload, Err: e.Err}
	if e.Release == nil {
		out <- reply
		return out, nil
	}
	go func() {
		select {
		case <-e.Release:
			out <- reply
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Close marks the endpoint released.
func (e *Endpoint) Close() error {
	e.closed.Store(true)
	return nil
}

// Sends reports how many requests were dispatched.
func (e *Endpoint) Sends() int {
	return int(e.sends.Load())
}

// Waits reports how many availability waits ran.
func (e *Endpoint) Waits() int {
	return int(e.waits.Load())
}

func (e *Endpoint) Closed() bool {
	return e.closed.Load()
}

// Requests returns copies of every dispatched request body.
func (e *Endpoint) Requests() []json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]json.RawMessage, len(e.requests))
	copy(out, e.requests)
	return out
}
