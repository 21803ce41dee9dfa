package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/puzzlectl/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidDescriptor = errors.New("gateway: invalid descriptor")
	ErrNilEndpoint       = errors.New("gateway: nil endpoint")

	ErrUnavailable = errors.New("gateway: endpoint unavailable")
	ErrTimeout     = errors.New("gateway: response timeout")
	ErrRemote      = errors.New("gateway: remote error")
	ErrAborted     = errors.New("gateway: call aborted")
)

const (
	DefaultAvailabilityTimeout = 1 * time.Second
	DefaultResponseTimeout     = 10 * time.Second
)

// ErrorKind classifies why an invocation did not produce a payload.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindUnavailable ErrorKind = "unavailable"
	KindTimeout     ErrorKind = "timeout"
	KindRemote      ErrorKind = "remote"
	KindAborted     ErrorKind = "aborted"
)

// Err maps a kind to its sentinel error.
func (k ErrorKind) Err() error {
	switch k {
	case KindUnavailable:
		return ErrUnavailable
	case KindTimeout:
		return ErrTimeout
	case KindRemote:
		return ErrRemote
	case KindAborted:
		return ErrAborted
	default:
		return nil
	}
}

// Descriptor is the static configuration of one gateway.
type Descriptor struct {
	Operation           string
	AvailabilityTimeout time.Duration
	ResponseTimeout     time.Duration
}

// NewDescriptor returns a descriptor using the default timeouts.
func NewDescriptor(operation string) Descriptor {
	return Descriptor{
		Operation:           strings.TrimSpace(operation),
		AvailabilityTimeout: DefaultAvailabilityTimeout,
		ResponseTimeout:     DefaultResponseTimeout,
	}
}

// Validate enforces a named operation with positive timeouts.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Operation) == "" {
		return fmt.Errorf("%w: missing operation", ErrInvalidDescriptor)
	}
	if d.AvailabilityTimeout <= 0 {
		return fmt.Errorf("%w: %s availability timeout must be positive", ErrInvalidDescriptor, d.Operation)
	}
	if d.ResponseTimeout <= 0 {
		return fmt.Errorf("%w: %s response timeout must be positive", ErrInvalidDescriptor, d.Operation)
	}
	return nil
}

// Reply is one response delivered by an endpoint after dispatch.
type Reply struct {
	Payload json.RawMessage
	Err     error
}

// Endpoint is the transport a gateway drives.
//
// WaitReady blocks until the endpoint is reachable or ctx ends. Send must not
// block on the remote side; the reply arrives on the returned channel.
type Endpoint interface {
	WaitReady(ctx context.Context) bool
	Send(ctx context.Context, operation string, request json.RawMessage) (<-chan Reply, error)
}

// Outcome is the uniform result of one invocation. Exactly one of Payload
// (when OK) or Kind (when not OK) is populated.
type Outcome struct {
	Operation string
	OK        bool
	Payload   json.RawMessage
	Kind      ErrorKind
	Detail    string
	Elapsed   time.Duration
}

// Err returns nil for OK outcomes and a wrapped sentinel otherwise.
func (o Outcome) Err() error {
	if o.OK {
		return nil
	}
	if o.Detail == "" {
		return fmt.Errorf("%w: %s", o.Kind.Err(), o.Operation)
	}
	return fmt.Errorf("%w: %s: %s", o.Kind.Err(), o.Operation, o.Detail)
}

// Gateway performs one bounded remote call per Invoke.
type Gateway struct {
	desc     Descriptor
	endpoint Endpoint
}

func New(desc Descriptor, endpoint Endpoint) (*Gateway, error) {
	desc.Operation = strings.TrimSpace(desc.Operation)
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if endpoint == nil {
		return nil, fmt.Errorf("%w: %s", ErrNilEndpoint, desc.Operation)
	}
	return &Gateway{desc: desc, endpoint: endpoint}, nil
}

func (g *Gateway) Name() string {
	return g.desc.Operation
}

func (g *Gateway) Descriptor() Descriptor {
	return g.desc
}

// Endpoint exposes the underlying transport so owners can release it.
func (g *Gateway) Endpoint() Endpoint {
	return g.endpoint
}

// Invoke waits for availability, dispatches request, and waits for the reply.
// ctx bounds the whole call in addition to the descriptor timeouts; its end
// yields KindAborted rather than a timeout.
func (g *Gateway) Invoke(ctx context.Context, request json.RawMessage) Outcome {
	start := time.Now()
	out := g.invoke(ctx, request)
	out.Operation = g.desc.Operation
	out.Elapsed = time.Since(start)

	label := "ok"
	if !out.OK {
		label = string(out.Kind)
	}
	observability.RecordGatewayInvocation(g.desc.Operation, label, out.Elapsed)

	if out.OK {
		log.Debug().
			Str("operation", g.desc.Operation).
			Dur("elapsed", out.Elapsed).
			Int("payload_bytes", len(out.Payload)).
			Msg("gateway.Gateway.Invoke ok")
	} else {
		log.Error().
			Str("operation", g.desc.Operation).
			Str("kind", string(out.Kind)).
			Str("detail", out.Detail).
			Dur("elapsed", out.Elapsed).
			Msg("gateway.Gateway.Invoke failed")
	}
	return out
}

func (g *Gateway) invoke(ctx context.Context, request json.RawMessage) Outcome {
	waitCtx, cancelWait := context.WithTimeout(ctx, g.desc.AvailabilityTimeout)
	ready := g.endpoint.WaitReady(waitCtx)
	cancelWait()
	if !ready {
		if ctx.Err() != nil {
			return failed(KindAborted, ctx.Err().Error())
		}
		return failed(KindUnavailable, fmt.Sprintf("not available after %s", g.desc.AvailabilityTimeout))
	}

	respCtx, cancelResp := context.WithTimeout(ctx, g.desc.ResponseTimeout)
	defer cancelResp()

	replies, err := g.endpoint.Send(respCtx, g.desc.Operation, request)
	if err != nil {
		if ctx.Err() != nil {
			return failed(KindAborted, ctx.Err().Error())
		}
		if expired(respCtx) {
			return failed(KindTimeout, fmt.Sprintf("no response after %s", g.desc.ResponseTimeout))
		}
		return failed(KindRemote, err.Error())
	}

	select {
	case reply, ok := <-replies:
		if !ok {
			return failed(KindRemote, "reply channel closed")
		}
		if reply.Err != nil {
			if ctx.Err() != nil {
				return failed(KindAborted, ctx.Err().Error())
			}
			if expired(respCtx) || errors.Is(reply.Err, os.ErrDeadlineExceeded) {
				return failed(KindTimeout, fmt.Sprintf("no response after %s", g.desc.ResponseTimeout))
			}
			return failed(KindRemote, reply.Err.Error())
		}
		return Outcome{OK: true, Payload: clonePayload(reply.Payload)}
	case <-respCtx.Done():
		if ctx.Err() != nil {
			return failed(KindAborted, ctx.Err().Error())
		}
		return failed(KindTimeout, fmt.Sprintf("no response after %s", g.desc.ResponseTimeout))
	}
}

// expired reports whether the response window is over, even when the
// context timer has not fired yet.
func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

func failed(kind ErrorKind, detail string) Outcome {
	return Outcome{Kind: kind, Detail: detail}
}

// clonePayload keeps outcomes independent of endpoint buffers. An empty reply
// still counts as a payload, so it is normalized to JSON null.
func clonePayload(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return json.RawMessage("null")
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
