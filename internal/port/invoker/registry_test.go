package invoker_test

import (
	"context"
	"slices"
	"testing"

	"github.com/Strob0t/TeamForge/internal/port/invoker"
)

func echo(_ context.Context, endpoint string, req *invoker.Request) (*invoker.Response, error) {
	return &invoker.Response{Output: []byte(`"` + endpoint + `:` + req.Agent + `"`)}, nil
}

func TestRegisterAndNew(t *testing.T) {
	invoker.Register("test-transport", func(_ map[string]string) (invoker.Invoker, error) {
		return invoker.Func(echo), nil
	})

	inv, err := invoker.New("test-transport", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := inv.Invoke(context.Background(), "e", &invoker.Request{Agent: "a@1.0.0"})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Output) != `"e:a@1.0.0"` {
		t.Fatalf("unexpected output %s", resp.Output)
	}
	if !slices.Contains(invoker.Available(), "test-transport") {
		t.Fatal("expected test-transport in available transports")
	}
}

func TestNewUnknownTransport(t *testing.T) {
	if _, err := invoker.New("nonexistent", nil); err == nil {
		t.Fatal("expected error for unknown transport")
	}
}

func TestSetRoutesByTransport(t *testing.T) {
	s := invoker.NewSet()
	s.Handle("http", invoker.Func(echo))

	resp, err := s.Invoke(context.Background(), "http", "x", &invoker.Request{Agent: "b@2.0.0"})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Output) != `"x:b@2.0.0"` {
		t.Fatalf("unexpected output %s", resp.Output)
	}
	if _, err := s.Invoke(context.Background(), "grpc", "x", &invoker.Request{}); err == nil {
		t.Fatal("expected error for unrouted transport")
	}
}
