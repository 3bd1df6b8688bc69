package kit

import (
	"context"
	"errors"
	"testing"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	resp, err := Chain(mw("a"), mw("b"))(base)(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}

	want := []string{"a_before", "b_before", "endpoint", "b_after", "a_after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) { return nil, errFail }
	noop := func(next Endpoint) Endpoint { return next }

	if _, err := Chain(noop)(base)(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("error: got %v", err)
	}
}

func TestTransport(t *testing.T) {
	ctx := context.Background()
	if got := GetTransport(ctx); got != "direct" {
		t.Fatalf("default transport = %q", got)
	}
	if got := GetTransport(WithTransport(ctx, "mcp")); got != "mcp" {
		t.Fatalf("transport = %q", got)
	}
}
