package vici

import "context"

// Client is a connection to a strongSwan charon daemon's vici socket. It
// owns a multiplexer goroutine (spec section 4.3) and exposes the four
// operations of spec section 4.4 as plain blocking methods; callers that
// want cancellation pass a context.
//
// A Client must not be used after Close. Concurrent calls to Request and
// StreamRequest on the same Client race at the protocol level, since the
// daemon does not tag responses with a request id (spec section 3); do not
// issue more than one at a time.
type Client struct {
	mux     *multiplexer
	log     *logger
	schemas schemaSet
}

// NewClient wraps an already-connected Transport in a Client, starting its
// multiplexer goroutine immediately. Most callers should use DialUnix or
// DialTCP instead.
func NewClient(t Transport) *Client {
	return NewClientWithOptions(t, nil, nil)
}

// NewClientWithOptions is NewClient with an explicit logger and packet
// recorder, used by Config.Dial and by tests that need to inspect traffic.
// A nil logger discards messages; a nil recorder disables recording.
func NewClientWithOptions(t Transport, log *logger, rec *recorder) *Client {
	if log == nil {
		log = discardLogger()
	}
	mux := newMultiplexer(t, log, rec)
	mux.start()
	return &Client{mux: mux, log: log}
}

// Close shuts down the underlying multiplexer and transport. Any exchange
// in flight observes a Closed error. Safe to call more than once.
func (c *Client) Close() error {
	c.mux.abort()
	<-c.mux.done
	return nil
}

// Request issues a one-shot command (spec section 4.4, "request") and
// waits for its response. message may be nil for commands that take no
// arguments.
func (c *Client) Request(ctx context.Context, cmd string, message *Message) (*Message, error) {
	id := exchangeID()
	c.log.Printf("%s request %s", id, cmd)

	if err := c.schemas.validate(cmd, message); err != nil {
		return nil, err
	}

	body, err := Encode(message)
	if err != nil {
		return nil, err
	}
	pkt := newPacket(pktCmdRequest, cmd, body)
	s := newSink(1)

	if err := c.sendCommand(ctx, pkt, s); err != nil {
		c.log.Printf("%s request %s failed: %v", id, cmd, err)
		return nil, err
	}

	res, err := c.recv(ctx, s)
	if err != nil {
		c.log.Printf("%s request %s failed: %v", id, cmd, err)
		return nil, err
	}
	m, err := decodeResponse(res.pkt)
	if err != nil {
		c.log.Printf("%s request %s failed: %v", id, cmd, err)
		return nil, err
	}
	c.log.Printf("%s request %s succeeded", id, cmd)
	return m, nil
}

// EventStream is the result of StreamRequest or Subscribe: a sequence of
// decoded event bodies pulled one at a time with Recv. Callers that stop
// consuming before Recv reports the end of the stream should call Close to
// release the stream's sink; for a Subscribe stream Close also unregisters
// the event. A StreamRequest stream unregisters only when Recv sees the
// command's terminal response; closing it earlier sends no unregister.
type EventStream struct {
	client    *Client
	sink      *sink
	event     string
	done      bool
	closeOnce func()
}

// Recv blocks for the next item. ok is false once the stream has ended,
// either because the command's terminal response arrived (StreamRequest)
// or the stream was closed; err is non-nil only when the stream ended
// abnormally.
func (s *EventStream) Recv(ctx context.Context) (msg *Message, ok bool, err error) {
	if s.done {
		return nil, false, nil
	}

	select {
	case <-ctx.Done():
		s.Close()
		return nil, false, ctxErr(ctx)
	case res, open := <-s.sink.ch:
		if !open {
			s.done = true
			return nil, false, closedErr("listener closed while streaming")
		}
		if res.err != nil {
			s.done = true
			return nil, false, res.err
		}
		return s.handle(ctx, res.pkt)
	}
}

func (s *EventStream) handle(ctx context.Context, p *packet) (*Message, bool, error) {
	switch p.ptype {
	case pktEvent:
		m, err := Decode(p.body)
		if err != nil {
			s.done = true
			return nil, false, err
		}
		return m, true, nil

	case pktCmdResponse:
		// The terminal response to the streamed command: unregister, then
		// surface its success/errmsg as the stream's final error if it
		// failed (spec section 4.4, "stream_request").
		m, err := Decode(p.body)
		if err != nil {
			s.done = true
			return nil, false, err
		}
		s.done = true
		if unregErr := s.client.unregister(ctx, s.event); unregErr != nil {
			return nil, false, unregErr
		}
		if err := m.checkSuccess(); err != nil {
			return nil, false, err
		}
		return nil, false, nil

	default:
		s.done = true
		return nil, false, unexpectedPacketErr(p.ptype)
	}
}

// Close releases the stream's sink. For a Subscribe stream it also sends an
// event-unregister request; for a StreamRequest stream it sends none. Safe
// to call more than once.
func (s *EventStream) Close() error {
	if s.closeOnce != nil {
		s.closeOnce()
		s.closeOnce = nil
	}
	return nil
}

// StreamRequest issues a command whose results are delivered as a sequence
// of named events until the command's own response arrives (spec section
// 4.4, "stream_request"). message may be nil.
func (c *Client) StreamRequest(ctx context.Context, cmd, event string, message *Message) (*EventStream, error) {
	s := newSink(exchangeChanCapacity)

	if err := c.schemas.validate(cmd, message); err != nil {
		return nil, err
	}

	if err := c.register(ctx, event, s); err != nil {
		return nil, err
	}

	body, err := Encode(message)
	if err != nil {
		s.release()
		return nil, err
	}
	pkt := newPacket(pktCmdRequest, cmd, body)
	if err := c.sendCommand(ctx, pkt, s); err != nil {
		return nil, err
	}

	stream := &EventStream{client: c, sink: s, event: event}
	stream.closeOnce = func() {
		s.release()
	}
	return stream, nil
}

// Subscribe registers for a named server-issued event and yields its
// messages indefinitely (spec section 4.4, "subscribe"). The subscription
// is cancelled when the caller calls Close on the returned stream.
func (c *Client) Subscribe(ctx context.Context, event string) (*EventStream, error) {
	s := newSink(exchangeChanCapacity)

	if err := c.register(ctx, event, s); err != nil {
		return nil, err
	}

	stream := &EventStream{client: c, sink: s, event: event}
	stream.closeOnce = func() {
		s.release()
		// Best-effort: tell the daemon we are no longer interested. Use a
		// background context since the caller that requested Close may
		// already be tearing down its own context.
		_ = c.unregister(context.Background(), event)
	}
	return stream, nil
}

// ErrorStream is returned by ListenForErrors and yields background errors
// observed by the multiplexer (spec section 4.3, "Error-handler slot";
// section 4.4, "listen_for_errors").
type ErrorStream struct {
	sink *sink
}

// Recv blocks for the next background error. ok is false once the
// multiplexer has shut down while this stream is the installed handler. A
// stream replaced by a later ListenForErrors call is never closed, so its
// Recv returns only when ctx is done (with ok true and an IO error).
func (s *ErrorStream) Recv(ctx context.Context) (err error, ok bool) {
	select {
	case <-ctx.Done():
		return ctxErr(ctx), true
	case res, open := <-s.sink.ch:
		if !open {
			return nil, false
		}
		return res.err, true
	}
}

// Close stops delivering background errors to this stream.
func (s *ErrorStream) Close() error {
	s.sink.release()
	return nil
}

// ListenForErrors installs this call's stream as the multiplexer's sole
// error-handler sink (spec section 4.4, "listen_for_errors"). Calling it a
// second time replaces the previous handler, whose stream then simply
// stops receiving new errors.
func (c *Client) ListenForErrors(ctx context.Context) *ErrorStream {
	s := newSink(exchangeChanCapacity)
	select {
	case c.mux.installErr <- s:
	case <-c.mux.done:
		close(s.ch)
	}
	return &ErrorStream{sink: s}
}

func (c *Client) sendCommand(ctx context.Context, pkt *packet, s *sink) error {
	select {
	case c.mux.commands <- commandReq{pkt: pkt, sink: s}:
		return nil
	case <-c.mux.done:
		return closedErr("listener closed before accepting command request")
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

func (c *Client) register(ctx context.Context, event string, s *sink) error {
	pkt := newPacket(pktEventRegister, event, nil)
	if err := c.sendEvent(ctx, pkt, event, dirRegister, s); err != nil {
		return err
	}
	res, err := c.recv(ctx, s)
	if err != nil {
		return err
	}
	if res.pkt.ptype != pktEventConfirm {
		return unexpectedPacketErr(res.pkt.ptype)
	}
	return nil
}

func (c *Client) unregister(ctx context.Context, event string) error {
	pkt := newPacket(pktEventUnregister, event, nil)
	s := newSink(1)
	if err := c.sendEvent(ctx, pkt, event, dirUnregister, s); err != nil {
		return err
	}
	res, err := c.recv(ctx, s)
	if err != nil {
		return err
	}
	if res.pkt.ptype != pktEventConfirm {
		return unexpectedPacketErr(res.pkt.ptype)
	}
	return nil
}

func (c *Client) sendEvent(ctx context.Context, pkt *packet, event string, dir direction, s *sink) error {
	select {
	case c.mux.events <- eventReq{pkt: pkt, name: event, dir: dir, sink: s}:
		return nil
	case <-c.mux.done:
		return closedErr("listener closed before accepting event request")
	case <-ctx.Done():
		return ctxErr(ctx)
	}
}

// recv waits for exactly one exchangeResult on s, the shape every
// one-shot exchange (request, register, unregister) reduces to.
func (c *Client) recv(ctx context.Context, s *sink) (exchangeResult, error) {
	select {
	case res, open := <-s.ch:
		if !open {
			return exchangeResult{}, closedErr("listener closed while awaiting response")
		}
		if res.err != nil {
			return exchangeResult{}, res.err
		}
		return res, nil
	case <-ctx.Done():
		s.release()
		return exchangeResult{}, ctxErr(ctx)
	}
}

// decodeResponse decodes a CMD_RESPONSE body and returns it as-is. Request
// has no notion of which commands use the conventional success/errmsg
// pair, so interpreting it is left to the caller (spec section 4.4,
// "request"; the original rsvici::Client::request does the same).
func decodeResponse(p *packet) (*Message, error) {
	if p.ptype != pktCmdResponse {
		return nil, unexpectedPacketErr(p.ptype)
	}
	return Decode(p.body)
}

func ctxErr(ctx context.Context) error {
	return ioErr(ctx.Err())
}
