package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"wsrpc/message"
)

// echoHandler answers every request successfully.
func echoHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	return message.NewResponse(req.CallID, json.RawMessage(`"ok"`))
}

// slowHandler takes 200ms unless its context is cancelled first.
func slowHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return message.NewResponse(req.CallID, json.RawMessage(`"ok"`))
}

func failingHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	return message.NewErrorResponse(req.CallID, errors.New("bad input"))
}

func newRequest(id string) *message.Envelope {
	return message.NewRequest(id, "double", []json.RawMessage{json.RawMessage(`21`)})
}

func TestLogging(t *testing.T) {
	c := qt.New(t)
	handler := LoggingMiddleware()(echoHandler)

	resp := handler(context.Background(), newRequest("c1"))
	c.Assert(resp, qt.IsNotNil)
	c.Assert(string(resp.RetVal), qt.Equals, `"ok"`)

	resp = LoggingMiddleware()(failingHandler)(context.Background(), newRequest("c2"))
	c.Assert(resp.HasError(), qt.IsTrue)
	c.Assert(resp.CallID, qt.Equals, "c2")
}

// silentHandler breaks the middleware contract by returning no response.
func silentHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	return nil
}

func TestMissingResponsePassesThrough(t *testing.T) {
	c := qt.New(t)
	m := NewMetrics(prometheus.NewPedanticRegistry())
	handler := Chain(
		LoggingMiddleware(),
		MetricsMiddleware(m),
		TracingMiddleware(nil),
	)(silentHandler)

	c.Assert(handler(context.Background(), newRequest("c1")), qt.IsNil)
	c.Assert(testutil.ToFloat64(m.requests.WithLabelValues("double", "error")), qt.Equals, 1.0)
}

func TestTimeoutPass(t *testing.T) {
	c := qt.New(t)
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), newRequest("c1"))
	c.Assert(resp.HasError(), qt.IsFalse)
}

func TestTimeoutExceeded(t *testing.T) {
	c := qt.New(t)
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), newRequest("c1"))
	c.Assert(resp.CallID, qt.Equals, "c1")
	c.Assert(string(resp.Error), qt.Equals, `"request timed out"`)
}

func TestTimeoutHandlerStaysCounted(t *testing.T) {
	c := qt.New(t)
	release := make(chan struct{})
	stuck := func(ctx context.Context, req *message.Envelope) *message.Envelope {
		<-release
		return message.NewResponse(req.CallID, nil)
	}
	var handlers sync.WaitGroup
	ctx := WithHandlers(context.Background(), &handlers)

	resp := TimeOutMiddleware(20*time.Millisecond)(stuck)(ctx, newRequest("c1"))
	c.Assert(string(resp.Error), qt.Equals, `"request timed out"`)

	waited := make(chan struct{})
	go func() {
		handlers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		c.Fatal("wait returned while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		c.Fatal("wait never returned")
	}
}

func TestRateLimit(t *testing.T) {
	c := qt.New(t)
	// One token per second with a burst of two: the third request is refused.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newRequest("ok"))
		c.Assert(resp.HasError(), qt.IsFalse, qt.Commentf("request %d", i))
	}
	resp := handler(context.Background(), newRequest("c3"))
	c.Assert(resp.CallID, qt.Equals, "c3")
	c.Assert(string(resp.Error), qt.Equals, `"rate limit exceeded"`)
}

func TestChainOrder(t *testing.T) {
	c := qt.New(t)

	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Envelope) *message.Envelope {
				order = append(order, name+" in")
				resp := next(ctx, req)
				order = append(order, name+" out")
				return resp
			}
		}
	}
	handler := Chain(mark("a"), mark("b"), LoggingMiddleware(), TimeOutMiddleware(500*time.Millisecond))(echoHandler)

	resp := handler(context.Background(), newRequest("c1"))
	c.Assert(resp.HasError(), qt.IsFalse)
	c.Assert(order, qt.DeepEquals, []string{"a in", "b in", "b out", "a out"})
}

func TestMetrics(t *testing.T) {
	c := qt.New(t)
	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	ok := MetricsMiddleware(m)(echoHandler)
	bad := MetricsMiddleware(m)(failingHandler)
	ok(context.Background(), newRequest("c1"))
	ok(context.Background(), newRequest("c2"))
	bad(context.Background(), newRequest("c3"))

	c.Assert(testutil.ToFloat64(m.requests.WithLabelValues("double", "ok")), qt.Equals, 2.0)
	c.Assert(testutil.ToFloat64(m.requests.WithLabelValues("double", "error")), qt.Equals, 1.0)
	c.Assert(testutil.ToFloat64(m.inFlight), qt.Equals, 0.0)
	c.Assert(testutil.CollectAndCount(m.duration), qt.Equals, 1)
}

func TestTracing(t *testing.T) {
	c := qt.New(t)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	mw := TracingMiddleware(provider.Tracer("test"))
	mw(echoHandler)(context.Background(), newRequest("c1"))
	mw(failingHandler)(context.Background(), newRequest("c2"))

	spans := recorder.Ended()
	c.Assert(spans, qt.HasLen, 2)
	c.Assert(spans[0].Name(), qt.Equals, "wsrpc double")
	c.Assert(spans[0].Status().Code, qt.Equals, codes.Ok)
	c.Assert(spans[1].Status().Code, qt.Equals, codes.Error)
	c.Assert(spans[1].Status().Description, qt.Equals, `"bad input"`)
}

func TestTracingDefaultsToGlobalProvider(t *testing.T) {
	c := qt.New(t)
	resp := TracingMiddleware(nil)(echoHandler)(context.Background(), newRequest("c1"))
	c.Assert(resp.HasError(), qt.IsFalse)
}
