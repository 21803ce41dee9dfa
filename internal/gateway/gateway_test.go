package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/puzzlectl/internal/gateway"
	"github.com/danmuck/puzzlectl/internal/testutil/remotetest"
	"github.com/danmuck/puzzlectl/internal/testutil/testlog"
)

const slack = 500 * time.Millisecond

func newGateway(t *testing.T, ep gateway.Endpoint, avail, resp time.Duration) *gateway.Gateway {
	t.Helper()
	gw, err := gateway.New(gateway.Descriptor{
		Operation:           "vision/identify_piece",
		AvailabilityTimeout: avail,
		ResponseTimeout:     resp,
	}, ep)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw
}

func TestDescriptorValidate(t *testing.T) {
	testlog.Start(t)

	if err := gateway.NewDescriptor("vision/locate_pieces").Validate(); err != nil {
		t.Fatalf("default descriptor should validate: %v", err)
	}
	bad := []gateway.Descriptor{
		{Operation: " ", AvailabilityTimeout: time.Second, ResponseTimeout: time.Second},
		{Operation: "op", AvailabilityTimeout: 0, ResponseTimeout: time.Second},
		{Operation: "op", AvailabilityTimeout: time.Second, ResponseTimeout: -time.Second},
	}
	for i, d := range bad {
		if err := d.Validate(); !errors.Is(err, gateway.ErrInvalidDescriptor) {
			t.Fatalf("case %d: expected ErrInvalidDescriptor, got %v", i, err)
		}
	}
}

func TestNewRejectsNilEndpoint(t *testing.T) {
	testlog.Start(t)

	if _, err := gateway.New(gateway.NewDescriptor("op"), nil); !errors.Is(err, gateway.ErrNilEndpoint) {
		t.Fatalf("expected ErrNilEndpoint, got %v", err)
	}
}

func TestInvokeReturnsPayload(t *testing.T) {
	testlog.Start(t)

	ep := remotetest.Responding(`{"piece_id":4,"piece_orientation":90}`)
	gw := newGateway(t, ep, time.Second, time.Second)

	out := gw.Invoke(context.Background(), json.RawMessage(`{}`))
	if !out.OK {
		t.Fatalf("expected ok outcome, got %+v", out)
	}
	if out.Kind != gateway.KindNone {
		t.Fatalf("ok outcome must not carry an error kind: %q", out.Kind)
	}
	if string(out.Payload) != `{"piece_id":4,"piece_orientation":90}` {
		t.Fatalf("unexpected payload: %s", out.Payload)
	}
	if out.Operation != "vision/identify_piece" {
		t.Fatalf("unexpected operation: %q", out.Operation)
	}
	if out.Err() != nil {
		t.Fatalf("ok outcome should have nil error: %v", out.Err())
	}
	if ep.Sends() != 1 {
		t.Fatalf("expected one dispatch, got %d", ep.Sends())
	}
}

func TestInvokeEmptyReplyStillCarriesPayload(t *testing.T) {
	testlog.Start(t)

	gw := newGateway(t, &remotetest.Endpoint{}, time.Second, time.Second)
	out := gw.Invoke(context.Background(), nil)
	if !out.OK || string(out.Payload) != "null" {
		t.Fatalf("expected ok with null payload, got %+v", out)
	}
}

func TestInvokeUnavailableWithinAvailabilityTimeout(t *testing.T) {
	testlog.Start(t)

	ep := &remotetest.Endpoint{Unavailable: true}
	avail := 50 * time.Millisecond
	gw := newGateway(t, ep, avail, 5*time.Second)

	start := time.Now()
	out := gw.Invoke(context.Background(), nil)
	elapsed := time.Since(start)

	if out.OK || out.Kind != gateway.KindUnavailable {
		t.Fatalf("expected unavailable, got %+v", out)
	}
	if out.Payload != nil {
		t.Fatalf("failed outcome must not carry a payload: %s", out.Payload)
	}
	if !errors.Is(out.Err(), gateway.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", out.Err())
	}
	if elapsed < avail || elapsed > avail+slack {
		t.Fatalf("unavailable returned after %s, want ~%s", elapsed, avail)
	}
	if ep.Sends() != 0 {
		t.Fatalf("request must not be dispatched when unavailable, sends=%d", ep.Sends())
	}
}

func TestInvokeTimeoutWithinResponseTimeout(t *testing.T) {
	testlog.Start(t)

	ep := &remotetest.Endpoint{Silent: true}
	resp := 50 * time.Millisecond
	gw := newGateway(t, ep, time.Second, resp)

	start := time.Now()
	out := gw.Invoke(context.Background(), nil)
	elapsed := time.Since(start)

	if out.OK || out.Kind != gateway.KindTimeout {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if !errors.Is(out.Err(), gateway.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", out.Err())
	}
	if elapsed < resp || elapsed > resp+slack {
		t.Fatalf("timeout returned after %s, want ~%s", elapsed, resp)
	}
	if ep.Sends() != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", ep.Sends())
	}
}

// lateFailEndpoint replies with a transport error once the response deadline
// has passed, the way a connection torn down by its deadline does.
type lateFailEndpoint struct{}

func (lateFailEndpoint) WaitReady(ctx context.Context) bool { return ctx.Err() == nil }

func (lateFailEndpoint) Send(ctx context.Context, _ string, _ json.RawMessage) (<-chan gateway.Reply, error) {
	out := make(chan gateway.Reply, 1)
	deadline, _ := ctx.Deadline()
	go func() {
		time.Sleep(time.Until(deadline))
		out <- gateway.Reply{Err: errors.New("use of closed network connection")}
	}()
	return out, nil
}

func TestInvokeTransportDeadlineIsTimeout(t *testing.T) {
	testlog.Start(t)

	ep := &remotetest.Endpoint{Err: fmt.Errorf("read: %w", os.ErrDeadlineExceeded)}
	gw := newGateway(t, ep, time.Second, time.Second)
	if out := gw.Invoke(context.Background(), nil); out.Kind != gateway.KindTimeout {
		t.Fatalf("expected timeout for deadline error, got %+v", out)
	}

	late := newGateway(t, lateFailEndpoint{}, time.Second, 2*time.Millisecond)
	for i := 0; i < 100; i++ {
		if out := late.Invoke(context.Background(), nil); out.Kind != gateway.KindTimeout {
			t.Fatalf("iteration %d: expected timeout, got %+v", i, out)
		}
	}
}

func TestInvokeRemoteError(t *testing.T) {
	testlog.Start(t)

	ep := &remotetest.Endpoint{Err: errors.New("camera offline")}
	gw := newGateway(t, ep, time.Second, time.Second)

	out := gw.Invoke(context.Background(), nil)
	if out.OK || out.Kind != gateway.KindRemote {
		t.Fatalf("expected remote failure, got %+v", out)
	}
	if !errors.Is(out.Err(), gateway.ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", out.Err())
	}
}

func TestInvokeAbortedByContext(t *testing.T) {
	testlog.Start(t)

	ep := &remotetest.Endpoint{Silent: true}
	gw := newGateway(t, ep, time.Second, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := gw.Invoke(ctx, nil)
	if out.Kind != gateway.KindAborted {
		t.Fatalf("expected aborted, got %+v", out)
	}
}

func TestConcurrentInvocationsAreIndependent(t *testing.T) {
	testlog.Start(t)

	release := make(chan struct{})
	ep := &remotetest.Endpoint{Payload: json.RawMessage(`"ok"`), Release: release}
	gw := newGateway(t, ep, time.Second, 5*time.Second)

	const n = 8
	var wg sync.WaitGroup
	outcomes := make([]gateway.Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = gw.Invoke(context.Background(), json.RawMessage(`{}`))
		}(i)
	}
	close(release)
	wg.Wait()

	for i, out := range outcomes {
		if !out.OK {
			t.Fatalf("invocation %d failed: %+v", i, out)
		}
	}
	if ep.Sends() != n {
		t.Fatalf("expected %d dispatches, got %d", n, ep.Sends())
	}
}
