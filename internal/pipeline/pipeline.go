// Package pipeline composes the per-connection stage chain: socket-read ->
// frame-decode -> protocol-decode -> handler -> protocol-encode ->
// frame-encode -> socket-write. Each stage runs in its own goroutine
// connected to its neighbor by a bounded buffered channel; a full channel
// blocks its producer, giving the whole chain backpressure without any
// stage needing to know about the others' capacity.
//
// Responses are emitted in completion order, not request arrival order:
// decoded requests are hatched onto internal/dispatchpool so multiple TAKEs
// on distinct keys evaluate concurrently, and whichever finishes first is
// written to the socket first. Clients correlate by Response.ID.
package pipeline

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/limitd/limitd-go/internal/dispatchpool"
	"github.com/limitd/limitd-go/internal/errs"
	"github.com/limitd/limitd-go/internal/frame"
	"github.com/limitd/limitd-go/internal/handler"
	"github.com/limitd/limitd-go/internal/logging"
	"github.com/limitd/limitd-go/internal/metrics"
	"github.com/limitd/limitd-go/internal/protocol"
)

var log = logging.For("pipeline")

// stageBuffer bounds the channel depth between pipeline stages.
const stageBuffer = 64

// Conn is the pipeline's view of a connection: a byte stream plus a way to
// close it. *net.TCPConn satisfies it; net.Pipe() conns do not, since they
// lack CloseWrite.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
	CloseWrite() error
}

// Pipeline drives one connection end to end.
type Pipeline struct {
	conn  Conn
	codec protocol.Codec
	h     *handler.Handler
	pool  *dispatchpool.Pool

	maxFrame int
}

// New builds a Pipeline for conn using codec for the configured dialect, h
// to evaluate requests, and pool to bound concurrent in-flight dispatch.
func New(conn Conn, codec protocol.Codec, h *handler.Handler, pool *dispatchpool.Pool, maxFrame int) *Pipeline {
	if maxFrame <= 0 {
		maxFrame = frame.DefaultMaxFrame
	}
	return &Pipeline{conn: conn, codec: codec, h: h, pool: pool, maxFrame: maxFrame}
}

// Run drives the pipeline until ctx is done, the peer closes the
// connection, or a fatal error occurs (framing/decode failure or a socket
// write error); ErrorBody responses never end the run. It returns the error that ended the run; io.EOF
// and a clean peer close are reported as nil.
func (p *Pipeline) Run(ctx context.Context) error {
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A canceled context cannot interrupt a blocked socket read; closing the
	// connection can. This trips only on the caller's cancellation (server
	// drain or force-stop) — a stage error inside the group leaves the write
	// side open so in-flight responses still land.
	stop := context.AfterFunc(ctx, func() { p.conn.Close() })
	defer stop()

	decoded := make(chan *protocol.Request, stageBuffer)
	responses := make(chan *protocol.Response, stageBuffer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.readLoop(gctx, decoded) })
	g.Go(func() error { return p.dispatchLoop(gctx, decoded, responses) })
	g.Go(func() error { return p.writeLoop(gctx, responses) })

	err := g.Wait()

	var e *errs.Error
	if errors.As(err, &e) && (e.Kind == errs.KindFraming || e.Kind == errs.KindDecode) {
		// A frame-decode or protocol-decode error on the request side
		// terminates the connection — half-close the write side so any
		// responses already in flight land, then the caller closes the
		// socket fully.
		_ = p.conn.CloseWrite()
		return err
	}

	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readLoop decodes frames off the socket and, per frame, decodes the
// protocol payload into a Request, closing decoded when the stream ends or
// a fatal error occurs.
func (p *Pipeline) readLoop(ctx context.Context, decoded chan<- *protocol.Request) error {
	defer close(decoded)

	fr := frame.NewReaderSize(p.conn, p.maxFrame)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		payload, err := fr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				// The read failed because cancellation closed the socket
				// under us, not because the peer sent a bad frame.
				return ctx.Err()
			}
			log.WithError(err).Debug("frame decode error, closing connection")
			return errs.Wrap(errs.KindFraming, "frame decode", err)
		}

		req, err := p.codec.DecodeRequest(payload)
		if err != nil {
			log.WithError(err).Debug("protocol decode error, closing connection")
			return errs.Wrap(errs.KindDecode, "protocol decode", err)
		}

		select {
		case decoded <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatchLoop hands each decoded request to the shared dispatch pool
//
// and forwards its Response onto responses as soon as it completes. It does
// not wait for one dispatch before submitting the next, which is what
// allows completion-order rather than arrival-order responses.
func (p *Pipeline) dispatchLoop(ctx context.Context, decoded <-chan *protocol.Request, responses chan<- *protocol.Response) error {
	defer close(responses)

	var wg sync.WaitGroup
	defer wg.Wait()

	// inflight bounds this connection's outstanding dispatches; when it is
	// full the loop stops draining decoded, which in turn blocks readLoop.
	inflight := make(chan struct{}, stageBuffer)

	for {
		select {
		case req, ok := <-decoded:
			if !ok {
				return nil
			}
			select {
			case inflight <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func(req *protocol.Request) {
				defer wg.Done()
				defer func() { <-inflight }()
				var resp *protocol.Response
				err := p.pool.Submit(ctx, dispatchpool.DispatchFunc(func(ctx context.Context) error {
					resp = p.h.Handle(ctx, req)
					return nil
				}))
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.WithError(err).Error("dispatch pool rejected request")
					resp = &protocol.Response{ID: req.ID, Body: protocol.ErrorBody{
						Kind:    errs.KindStoreTransient.String(),
						Message: "server busy: " + err.Error(),
					}}
				}
				select {
				case responses <- resp:
				case <-ctx.Done():
				}
			}(req)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop encodes and writes each Response in the order it arrives on the
// channel, i.e. completion order.
func (p *Pipeline) writeLoop(ctx context.Context, responses <-chan *protocol.Response) error {
	fw := frame.NewWriter(p.conn)

	for {
		select {
		case resp, ok := <-responses:
			if !ok {
				return nil
			}
			payload, err := p.codec.EncodeResponse(resp)
			if err != nil {
				log.WithError(err).Error("protocol encode error")
				continue
			}
			if err := fw.Write(payload); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ensure *net.TCPConn satisfies Conn.
var _ Conn = (*net.TCPConn)(nil)
