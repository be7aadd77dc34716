package grpcfallback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
)

type invoker struct {
	method *Method
	cfg    *Config
	opts   *stubOpts
}

func (inv *invoker) invoke(req interface{}, opts CallOptions, _ metadata.MD, cb Callback) Canceler {
	start := time.Now()
	m := inv.method

	hr, err := inv.encode(req)
	if err != nil {
		// Nothing was sent, so there is nothing to cancel. The handle is
		// inert even for methods with a streamed response.
		inv.opts.metrics.observe(m.FullMethod(), outcomeError, start)
		if cb != nil {
			cb(&Error{Kind: KindEncode, Method: m.FullMethod(), Err: err}, nil)
		}
		return NoopCanceler
	}

	ctx, cancel := newCallCancel(inv.opts.baseCtx)
	c := &call{
		invoker: inv,
		cancel:  cancel,
		stream:  newStream(ctx, m, cancel),
		cb:      cb,
		start:   start,
		log:     inv.opts.logger.With(zap.String("method", m.FullMethod())),
	}
	go c.run(ctx, hr, mergeHeaders(hr.Headers, opts))

	if m.ServerStreams {
		return c.stream
	}
	return cancel
}

func (inv *invoker) encode(req interface{}) (*HTTPRequest, error) {
	cfg := inv.cfg
	hr, err := cfg.Encoder(inv.method, cfg.Protocol, cfg.Host, cfg.Port, req, cfg.NumericEnums)
	if err != nil {
		return nil, err
	}
	if hr == nil {
		return nil, errors.New("encoder produced no request")
	}
	if !hr.Method.Valid() {
		return nil, fmt.Errorf("unsupported HTTP method %q", hr.Method)
	}
	return hr, nil
}

// mergeHeaders overlays call options onto the encoder's headers. Keys are
// canonicalized so that a call option replaces an encoder header of the same
// name regardless of case.
func mergeHeaders(encoded map[string]string, opts CallOptions) map[string]string {
	merged := make(map[string]string, len(encoded)+len(opts))
	for k, v := range encoded {
		merged[http.CanonicalHeaderKey(k)] = v
	}
	for k, vs := range opts {
		if len(vs) == 0 {
			continue
		}
		merged[http.CanonicalHeaderKey(k)] = vs[0]
	}
	return merged
}

// call is the state of one in-flight invocation. Its run method executes on
// its own goroutine and is the only writer of the stream and the only caller
// of cb.
type call struct {
	*invoker
	cancel *callCancel
	stream *Stream
	cb     Callback
	start  time.Time
	log    *zap.Logger
}

func (c *call) run(ctx context.Context, hr *HTTPRequest, headers map[string]string) {
	defer c.cancel.release()

	reply, err := c.dispatch(ctx, hr, headers)
	if err != nil {
		c.dispatchFailed(err)
		return
	}
	defer reply.Body.Close()

	ok := reply.StatusCode >= 200 && reply.StatusCode < 300
	c.log.Debug("fallback call got response", zap.Int("status", reply.StatusCode))
	if ok && c.method.ServerStreams {
		c.pipe(ctx, reply.Body)
		return
	}
	c.decode(ctx, ok, reply.Body)
}

// dispatch fetches auth headers and performs the HTTP round trip. Auth
// headers are applied first so that explicit headers win.
func (c *call) dispatch(ctx context.Context, hr *HTTPRequest, headers map[string]string) (*http.Response, error) {
	auth, err := authHeaders(ctx, c.cfg.Auth)
	if err != nil {
		return nil, err
	}
	h := make(http.Header, len(auth)+len(headers))
	for k, v := range auth {
		h.Set(k, v)
	}
	for k, v := range headers {
		h.Set(k, v)
	}

	body := io.Reader(http.NoBody)
	if hr.Method.HasBody() && hr.Body != nil {
		body = bytes.NewReader(hr.Body)
	}
	r, err := http.NewRequestWithContext(ctx, string(hr.Method), hr.URL, body)
	if err != nil {
		return nil, err
	}
	r.Header = h

	c.log.Debug("dispatching fallback call", zap.String("http_method", string(hr.Method)), zap.String("url", hr.URL))
	reply, err := c.cfg.Transport.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, errors.New("transport returned no response")
	}
	return reply, nil
}

// dispatchFailed reports a failure that happened before any response was
// available. It goes to the callback even if the call was canceled.
func (c *call) dispatchFailed(err error) {
	e := newError(KindDispatch, c.method.FullMethod(), err)
	quiet := c.cancel.suppress(e)
	if c.cb != nil {
		c.cb(e, nil)
	}
	if c.method.ServerStreams {
		// the stream still has to end, or its consumer would wait forever
		if quiet {
			c.stream.finish(nil, true)
		} else {
			c.stream.finish(e, false)
		}
	}
	if quiet {
		c.done(outcomeCanceled)
	} else {
		c.done(outcomeError)
	}
}

// pipe feeds a successful streamed body to the parser.
func (c *call) pipe(ctx context.Context, body io.Reader) {
	err := c.cfg.Parser(c.method, body, c.stream.emit)
	if err == nil {
		c.stream.finish(nil, false)
		c.done(outcomeOK)
		return
	}
	e := c.readFailure(ctx, KindStreamPipe, err)
	if c.cancel.suppress(e) {
		c.stream.finish(nil, true)
		c.done(outcomeCanceled)
		return
	}
	if c.cb != nil {
		c.cb(e, nil)
	}
	c.stream.finish(e, false)
	c.done(outcomeError)
}

// decode reads a buffered body and hands the decoded response to the
// callback. This path is taken for all non-streamed responses and for failed
// streamed ones.
func (c *call) decode(ctx context.Context, ok bool, body io.Reader) {
	resp, e := c.readAndDecode(ctx, ok, body)
	if e == nil {
		if c.cb != nil {
			c.cb(nil, resp)
		}
		if c.method.ServerStreams {
			c.stream.finish(nil, false)
		}
		c.done(outcomeOK)
		return
	}
	if c.cancel.suppress(e) {
		if c.method.ServerStreams {
			c.stream.finish(nil, true)
		}
		c.done(outcomeCanceled)
		return
	}
	if c.cb != nil {
		c.cb(e, nil)
	}
	if c.method.ServerStreams {
		c.stream.finish(e, false)
	}
	c.done(outcomeError)
}

func (c *call) readAndDecode(ctx context.Context, ok bool, body io.Reader) (interface{}, *Error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, c.readFailure(ctx, KindDecode, err)
	}
	resp, err := c.cfg.Decoder(c.method, ok, b)
	if err != nil {
		// the whole reply arrived, so this is the server's verdict, even
		// when it is a CANCELLED status
		return nil, &Error{Kind: KindDecode, Method: c.method.FullMethod(), Err: err}
	}
	return resp, nil
}

// readFailure classifies an error raised while consuming the reply. Once a
// cancel was requested and the call's context is done, the failure is the
// abort, whatever the transport reported (an HTTP/1 transport may surface a
// closed connection rather than context.Canceled).
func (c *call) readFailure(ctx context.Context, kind Kind, err error) *Error {
	e := newError(kind, c.method.FullMethod(), err)
	if c.cancel.requested.Load() && ctx.Err() != nil {
		e.Kind = KindAborted
	}
	return e
}

func (c *call) done(outcome string) {
	c.opts.metrics.observe(c.method.FullMethod(), outcome, c.start)
	c.log.Debug("fallback call finished", zap.String("outcome", outcome), zap.Duration("elapsed", time.Since(c.start)))
}
