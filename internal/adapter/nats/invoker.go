package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/TeamForge/internal/logger"
	"github.com/Strob0t/TeamForge/internal/port/invoker"
	"github.com/Strob0t/TeamForge/internal/port/messagequeue"
)

// Invoker calls agents over NATS request/reply. The endpoint is the
// subject suffix the agent listens on (agents.invoke.<endpoint>).
type Invoker struct {
	nc *nats.Conn
}

// NewInvoker creates an Invoker on an open connection.
func NewInvoker(nc *nats.Conn) *Invoker {
	return &Invoker{nc: nc}
}

// Invoke sends req and waits for the agent's reply until ctx is done.
func (i *Invoker) Invoke(ctx context.Context, endpoint string, req *invoker.Request) (*invoker.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg := nats.NewMsg(messagequeue.InvokeSubject(endpoint))
	msg.Data = data
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}

	reply, err := i.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no agent listening on %s: %w", msg.Subject, err)
		}
		return nil, fmt.Errorf("nats request %s: %w", msg.Subject, err)
	}

	var resp messagequeue.InvokeReplyPayload
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", msg.Subject, err)
	}
	return &invoker.Response{Output: resp.Output, Error: resp.Error}, nil
}

// Serve answers invocations for endpoint with fn until the returned stop
// function is called. Replicas sharing an endpoint form a queue group.
func Serve(nc *nats.Conn, endpoint string, fn invoker.Func) (stop func() error, err error) {
	subject := messagequeue.InvokeSubject(endpoint)
	sub, err := nc.QueueSubscribe(subject, endpoint, func(msg *nats.Msg) {
		ctx := context.Background()
		if id := msg.Header.Get(headerRequestID); id != "" {
			ctx = logger.WithRequestID(ctx, id)
		}

		resp := answer(ctx, endpoint, msg.Data, fn)

		data, err := json.Marshal(messagequeue.InvokeReplyPayload{Output: resp.Output, Error: resp.Error})
		if err != nil {
			slog.ErrorContext(ctx, "marshal reply failed", "subject", subject, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.WarnContext(ctx, "nats respond failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats serve %s: %w", subject, err)
	}
	return sub.Unsubscribe, nil
}

func answer(ctx context.Context, endpoint string, data []byte, fn invoker.Func) *invoker.Response {
	var req invoker.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return &invoker.Response{Error: "malformed request: " + err.Error()}
	}
	resp, err := fn(ctx, endpoint, &req)
	if err != nil {
		return &invoker.Response{Error: err.Error()}
	}
	if resp == nil {
		return &invoker.Response{}
	}
	return resp
}
