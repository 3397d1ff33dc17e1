// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/bureau-foundation/middlewared/lib/apierror"
	"github.com/bureau-foundation/middlewared/lib/auth"
	"github.com/bureau-foundation/middlewared/lib/dispatch"
	"github.com/bureau-foundation/middlewared/lib/events"
	"github.com/bureau-foundation/middlewared/lib/metrics"
	"github.com/bureau-foundation/middlewared/lib/model"
)

// reply is one slot of the ordered reply queue. after runs once data
// has been handed to the writer.
type reply struct {
	data  []byte
	after func()
}

// connection is the state of one client connection.
type connection struct {
	server  *Server
	frames  frameConn
	session *auth.Session
	logger  *slog.Logger

	// out feeds the writer goroutine.
	out chan []byte

	// replies holds one slot per request, in arrival order.
	replies chan chan reply

	done      chan struct{}
	closeOnce sync.Once
	calls     sync.WaitGroup

	subsMu sync.Mutex
	subs   map[string]*events.Subscription
}

// serve runs the connection until the peer disconnects, the session is
// terminated or ctx is cancelled. It closes frames before returning.
func (s *Server) serve(ctx context.Context, frames frameConn, origin auth.Origin, version string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{
		server:  s,
		frames:  frames,
		out:     make(chan []byte, 256),
		replies: make(chan chan reply, s.maxInFlight),
		done:    make(chan struct{}),
		subs:    make(map[string]*events.Subscription),
	}
	c.session = s.sessions.Open(origin, c.shutdown)
	c.logger = s.logger.With("session", c.session.ID(), "transport", origin.Transport)
	if origin.Transport == "unix" && origin.PeerUID >= 0 && s.authenticator != nil {
		if credential := s.authenticator.UnixSocket(origin.PeerUID); credential != nil {
			c.session.SetCredential(credential)
		}
	}
	if version != "" {
		c.session.SetVersion(version)
	}
	c.logger.Debug("connection opened", "remote_addr", origin.RemoteAddr)

	var writers sync.WaitGroup
	writers.Add(2)
	go func() {
		defer writers.Done()
		c.writeLoop()
	}()
	go func() {
		defer writers.Done()
		c.sequence()
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.shutdown()
		case <-c.done:
		}
	}()

	c.readLoop(ctx)

	c.shutdown()
	cancel()
	c.calls.Wait()
	writers.Wait()
	c.closeSubscriptions()
	s.sessions.Close(c.session)
	if s.jobs != nil {
		s.jobs.SessionClosed(c.session.ID())
	}
	c.logger.Debug("connection closed")
}

// shutdown stops the connection. Safe to call from any goroutine and
// more than once.
func (c *connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.frames.close()
	})
}

func (c *connection) frameLimit() int64 {
	if c.session.Authenticated() {
		return c.server.authenticatedLimit
	}
	return c.server.anonymousLimit
}

// readLoop reads under the larger of the two limits and applies the
// session's limit once the frame is in. A login may still be running
// when the read starts; the frame that follows its reply must be
// judged as authenticated.
func (c *connection) readLoop(ctx context.Context) {
	readLimit := max(c.server.anonymousLimit, c.server.authenticatedLimit)
	for {
		data, err := c.frames.readFrame(readLimit)
		if err == nil && int64(len(data)) > c.frameLimit() {
			err = errFrameTooLarge
		}
		if errors.Is(err, errFrameTooLarge) {
			limit := c.frameLimit()
			c.logger.Info("dropping connection on oversize frame", "limit", limit)
			metrics.FramesRejected.WithLabelValues(c.session.Origin().Transport).Inc()
			policy := apierror.Call(apierror.EINVAL, "Message exceeds the %d byte limit", limit)
			c.frames.reject(policy.Reason, mustMarshal(errorMessage{
				ID:    json.RawMessage("null"),
				Msg:   "result",
				Error: policy.ToWire(false),
			}))
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				select {
				case <-c.done:
				default:
					c.logger.Debug("read failed", "error", err)
				}
			}
			return
		}

		var message request
		if err := json.Unmarshal(data, &message); err != nil {
			c.enqueue(ctx, func() reply {
				return c.errorReply(nil, apierror.Call(apierror.EINVAL, "Invalid JSON message: %v", err))
			})
			continue
		}
		if !c.handle(ctx, &message) {
			return
		}
	}
}

// handle processes one client message. It returns false when the
// connection is closing.
func (c *connection) handle(ctx context.Context, message *request) bool {
	switch message.Msg {
	case msgMethod:
		if message.Method == "" {
			return c.enqueue(ctx, func() reply {
				return c.errorReply(message.rawID(), apierror.Validation("method", "Field required"))
			})
		}
		return c.enqueue(ctx, func() reply { return c.call(ctx, message) })

	case msgConnect:
		if message.Version != "" {
			c.session.SetVersion(message.Version)
		}
		return c.enqueue(ctx, func() reply {
			return reply{data: mustMarshal(connectedMessage{Msg: "connected", Session: c.session.ID()})}
		})

	case msgPing:
		return c.enqueue(ctx, func() reply {
			return reply{data: mustMarshal(pongMessage{Msg: "pong", ID: message.rawID()})}
		})

	case msgSub:
		return c.enqueue(ctx, func() reply { return c.subscribe(message) })

	case msgUnsub:
		c.unsubscribe(message.subscriptionID())
		return true
	}
	return c.enqueue(ctx, func() reply {
		return c.errorReply(message.rawID(), apierror.Call(apierror.EINVAL, "Unknown message type %q", message.Msg))
	})
}

// enqueue reserves the next reply slot and fills it from produce on a
// separate goroutine, so slow calls do not hold up the reader.
func (c *connection) enqueue(ctx context.Context, produce func() reply) bool {
	slot := make(chan reply, 1)
	select {
	case c.replies <- slot:
	case <-c.done:
		return false
	}
	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		slot <- produce()
	}()
	return true
}

// sequence hands replies to the writer in slot order.
func (c *connection) sequence() {
	for {
		var slot chan reply
		select {
		case slot = <-c.replies:
		case <-c.done:
			return
		}
		var next reply
		select {
		case next = <-slot:
		case <-c.done:
			return
		}
		if !c.send(next.data) {
			return
		}
		if next.after != nil {
			next.after()
		}
	}
}

// send queues a frame for writing. It returns false once the
// connection is closing.
func (c *connection) send(data []byte) bool {
	select {
	case c.out <- data:
		return true
	case <-c.done:
		return false
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case data := <-c.out:
			if err := c.frames.writeFrame(data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) call(ctx context.Context, message *request) reply {
	params := model.Params{Positional: message.Params, Named: message.Named}
	result, err := c.server.dispatcher.Call(ctx, c.session, message.Method, params)
	if err != nil {
		return c.errorReply(message.rawID(), err)
	}
	data, err := json.Marshal(resultMessage{ID: message.rawID(), Msg: "result", Result: result})
	if err != nil {
		return c.errorReply(message.rawID(), apierror.Internal(err))
	}
	return reply{data: data}
}

func (c *connection) errorReply(id json.RawMessage, err error) reply {
	if id == nil {
		id = json.RawMessage("null")
	}
	apiErr := apierror.From(err)
	return reply{data: mustMarshal(errorMessage{
		ID:    id,
		Msg:   "result",
		Error: apiErr.ToWire(dispatch.Private(c.session)),
	})}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("transport: encoding " + err.Error())
	}
	return data
}
