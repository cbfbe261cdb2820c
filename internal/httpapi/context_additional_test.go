package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"diffusiond/internal/errdefs"
	"diffusiond/pkg/types"
)

func TestJoinContexts_CancelsWhenEitherDone(t *testing.T) {
	a, ac := context.WithCancelCause(context.Background())
	b, bc := context.WithCancel(context.Background())
	defer bc()
	j, cancelJ := joinContexts(a, b)
	defer cancelJ()
	shutdown := errors.New("shutdown")
	ac(shutdown)
	select {
	case <-j.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("joined context did not cancel when first parent cancelled")
	}
	if !errors.Is(context.Cause(j), shutdown) {
		t.Fatalf("cause=%v", context.Cause(j))
	}

	a2, ac2 := context.WithCancel(context.Background())
	defer ac2()
	b2, bc2 := context.WithCancel(context.Background())
	j2, cancelJ2 := joinContexts(a2, b2)
	defer cancelJ2()
	bc2()
	select {
	case <-j2.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("joined context did not cancel when second parent cancelled")
	}
}

func TestSetBaseContext_NilResetsToBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	SetBaseContext(ctx)
	// nolint:staticcheck // nil exercises the fallback
	SetBaseContext(nil)
	if serverBaseCtx.Err() != nil {
		t.Fatalf("base context should be Background")
	}
}

func TestStreamReportsShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	SetBaseContext(ctx)
	defer SetBaseContext(nil)
	svc := &mockService{genErr: &errdefs.CancelledError{Cause: context.Canceled}}
	w := postJSON(NewMux(svc), "/generations?stream=1", `{"frames":1}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestStreamTimeoutMaps504(t *testing.T) {
	defer SetStreamTimeoutSeconds(0)
	SetStreamTimeoutSeconds(1)
	svc := &blockingService{}
	w := postJSON(NewMux(svc), "/generations?stream=1", `{"frames":1}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status=%d", w.Code)
	}
}

// blockingService waits for the context and fails the way the engine does.
type blockingService struct{ mockService }

func (b *blockingService) Generate(ctx context.Context, _ types.GenerationRequest, _ io.Writer, _ func()) error {
	<-ctx.Done()
	return &errdefs.CancelledError{Cause: context.Cause(ctx)}
}
