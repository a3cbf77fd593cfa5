package vici

// This file implements the session multiplexer (spec section 4.3): the
// single goroutine that owns the transport, the two FIFOs, the
// subscription table, and the error-handler slot. Every other interaction
// with those structures happens by sending the multiplexer a message over
// one of its four channels; nothing outside this file ever touches them
// directly, which is what lets the rest of the package be lock-free.

// direction distinguishes an event (de)registration request, matching
// rsvici's Registration enum.
type direction int

const (
	dirRegister direction = iota
	dirUnregister
)

// exchangeResult is what the multiplexer posts to a sink: exactly one of a
// decoded packet or an error (spec section 3, "Exchange sink").
type exchangeResult struct {
	pkt *packet
	err error
}

// sink is the single-consumer channel an exchange's results are posted to
// (spec section 3, "Exchange sink"). ch is closed by the multiplexer when
// it terminates, so a blocked consumer reliably observes "listener closed"
// (the idiomatic Go stand-in for the sender-drops-channel behavior of a
// tokio mpsc::Sender). closed is closed by the consumer to tell the
// multiplexer it has stopped reading, the stand-in for a tokio receiver
// being dropped; the multiplexer never blocks on a released sink, and a
// delivery to one is reported as failed (a handler-closed background error).
type sink struct {
	ch     chan exchangeResult
	closed chan struct{}
}

func newSink(capacity int) *sink {
	return &sink{
		ch:     make(chan exchangeResult, capacity),
		closed: make(chan struct{}),
	}
}

// release marks the sink as abandoned by its consumer. Safe to call more
// than once.
func (s *sink) release() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// commandReq is a command-request exchange handed from the façade to the
// multiplexer (spec section 4.3, source 1).
type commandReq struct {
	pkt  *packet
	sink *sink
}

// eventReq is an event (de)registration exchange (spec section 4.3, source 2).
type eventReq struct {
	pkt  *packet
	name string
	dir  direction
	sink *sink
}

// eventFIFOEntry is one element of the event-registration FIFO (spec
// section 3).
type eventFIFOEntry struct {
	name string
	dir  direction
	sink *sink
}

// readResult is what the dedicated transport-reader goroutine posts back to
// the multiplexer for each inbound frame (spec section 4.3, source 4). The
// multiplexer never reads the transport directly, since blocking I/O can't
// share a select statement with channel sends from the façade.
type readResult struct {
	pkt *packet
	err error
}

// multiplexer is the component described in spec section 4.3.
type multiplexer struct {
	transport Transport
	inbound   chan readResult

	commands   chan commandReq
	events     chan eventReq
	installErr chan *sink
	quit       chan struct{}
	done       chan struct{}

	log      *logger
	recorder *recorder

	cmdFIFO   []*sink
	eventFIFO []eventFIFOEntry
	subs      map[string]*sink
	errSink   *sink
}

const exchangeChanCapacity = 8

func newMultiplexer(t Transport, log *logger, rec *recorder) *multiplexer {
	return &multiplexer{
		transport:  t,
		inbound:    make(chan readResult, 1),
		commands:   make(chan commandReq, exchangeChanCapacity),
		events:     make(chan eventReq, exchangeChanCapacity),
		installErr: make(chan *sink),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log,
		recorder:   rec,
		subs:       make(map[string]*sink),
	}
}

// start launches the reader goroutine and the multiplexer's own run loop.
func (m *multiplexer) start() {
	go m.readLoop()
	go m.run()
}

// abort stops the multiplexer, matching rsvici's Drop impl aborting the
// listener task. Safe to call more than once.
func (m *multiplexer) abort() {
	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
}

func (m *multiplexer) readLoop() {
	for {
		p, err := readPacket(m.transport)
		select {
		case m.inbound <- readResult{pkt: p, err: err}:
		case <-m.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (m *multiplexer) run() {
	defer close(m.done)
	defer m.drainAll()
	defer m.transport.Close()

	for {
		select {
		case <-m.quit:
			return

		case req := <-m.commands:
			m.onCommandRequest(req)

		case req := <-m.events:
			m.onEventRequest(req)

		case s := <-m.installErr:
			m.errSink = s

		case res := <-m.inbound:
			if res.err != nil {
				m.log.Printf("transport read failed: %v", res.err)
				// readPacket already classifies the failure: IO for the
				// transport, Data for a malformed packet.
				m.reportBackground(res.err)
				return
			}
			if err := m.onInbound(res.pkt); err != nil {
				m.reportBackground(err)
			}
		}
	}
}

// drainAll closes every sink still owned by the multiplexer when it exits,
// so blocked callers observe "listener closed" (spec section 3 Lifecycle,
// section 5 Cancellation).
func (m *multiplexer) drainAll() {
	// A StreamRequest sink sits in both the command FIFO and the
	// subscription table, so close each sink only once.
	closed := make(map[*sink]bool)
	closeSink := func(s *sink) {
		if !closed[s] {
			closed[s] = true
			close(s.ch)
		}
	}

	for _, s := range m.cmdFIFO {
		closeSink(s)
	}
	m.cmdFIFO = nil

	for _, e := range m.eventFIFO {
		closeSink(e.sink)
	}
	m.eventFIFO = nil

	for _, s := range m.subs {
		closeSink(s)
	}
	m.subs = nil

	if m.errSink != nil {
		closeSink(m.errSink)
		m.errSink = nil
	}
}

// onCommandRequest implements the "Outbound: command request" rules of
// spec section 4.3.
func (m *multiplexer) onCommandRequest(req commandReq) {
	if m.recorder != nil {
		m.recorder.recordOut(req.pkt)
	}

	if err := writePacket(m.transport, req.pkt); err != nil {
		if !deliver(req.sink, exchangeResult{err: err}) {
			m.reportBackground(closedErr("handler closed while processing command request"))
		}
		return
	}
	m.cmdFIFO = append(m.cmdFIFO, req.sink)
}

// onEventRequest implements the "Outbound: event registration request"
// rules of spec section 4.3.
func (m *multiplexer) onEventRequest(req eventReq) {
	if m.recorder != nil {
		m.recorder.recordOut(req.pkt)
	}

	if err := writePacket(m.transport, req.pkt); err != nil {
		if !deliver(req.sink, exchangeResult{err: err}) {
			m.reportBackground(closedErr("handler closed while processing event request for " + req.name))
		}
		return
	}
	m.eventFIFO = append(m.eventFIFO, eventFIFOEntry{name: req.name, dir: req.dir, sink: req.sink})
}

// onInbound implements the exhaustive inbound routing table of spec section
// 4.3. A non-nil return is always a background error; per-exchange errors
// are delivered straight to the owning sink and never returned here.
func (m *multiplexer) onInbound(p *packet) error {
	if m.recorder != nil {
		m.recorder.recordIn(p)
	}

	switch p.ptype {
	case pktCmdResponse:
		s, ok := m.popCmd()
		if !ok {
			return unexpectedPacketErr(p.ptype)
		}
		if !deliver(s, exchangeResult{pkt: p}) {
			return closedErr("handler closed while streaming " + p.ptype.String())
		}
		return nil

	case pktCmdUnknown:
		s, ok := m.popCmd()
		if !ok {
			return unexpectedPacketErr(p.ptype)
		}
		if !deliver(s, exchangeResult{err: unknownCmdErr()}) {
			return closedErr("handler closed while streaming " + p.ptype.String())
		}
		return nil

	case pktEventConfirm:
		entry, ok := m.popEvent()
		if !ok {
			return unexpectedPacketErr(p.ptype)
		}
		if entry.dir == dirRegister {
			if !deliver(entry.sink, exchangeResult{pkt: p}) {
				return closedErr("handler closed while streaming " + p.ptype.String())
			}
			m.subs[entry.name] = entry.sink
		} else {
			delete(m.subs, entry.name)
			if !deliver(entry.sink, exchangeResult{pkt: p}) {
				return closedErr("handler closed while streaming " + p.ptype.String())
			}
		}
		return nil

	case pktEventUnknown:
		entry, ok := m.popEvent()
		if !ok {
			return unexpectedPacketErr(p.ptype)
		}
		// Defensive: an Unregister that the daemon rejected as unknown
		// still clears the subscription-table entry, even though one
		// should never have existed for a registration that failed.
		// Preserved deliberately, see spec section 9.
		if entry.dir == dirUnregister {
			delete(m.subs, entry.name)
		}
		if !deliver(entry.sink, exchangeResult{err: unknownEventErr(entry.name)}) {
			return closedErr("handler closed while streaming " + p.ptype.String())
		}
		return nil

	case pktEvent:
		s, ok := m.subs[p.name]
		if !ok {
			return unexpectedPacketErr(p.ptype)
		}
		if !deliver(s, exchangeResult{pkt: p}) {
			return closedErr("handler closed while streaming " + p.ptype.String())
		}
		return nil

	default:
		// CMD_REQUEST, EVENT_REGISTER, EVENT_UNREGISTER: the daemon must
		// never send these.
		return unexpectedPacketErr(p.ptype)
	}
}

func (m *multiplexer) popCmd() (*sink, bool) {
	if len(m.cmdFIFO) == 0 {
		return nil, false
	}
	s := m.cmdFIFO[0]
	m.cmdFIFO = m.cmdFIFO[1:]
	return s, true
}

func (m *multiplexer) popEvent() (eventFIFOEntry, bool) {
	if len(m.eventFIFO) == 0 {
		return eventFIFOEntry{}, false
	}
	e := m.eventFIFO[0]
	m.eventFIFO = m.eventFIFO[1:]
	return e, true
}

// reportBackground delivers err to the installed error-handler sink, if
// any, per spec section 4.3 "Error-handler slot". If the sink is closed,
// the slot is cleared; errors are never buffered when the slot is empty.
func (m *multiplexer) reportBackground(err error) {
	if m.errSink == nil {
		return
	}
	if !deliver(m.errSink, exchangeResult{err: err}) {
		m.errSink = nil
	}
}

// deliver sends res to s, blocking until either the consumer accepts it or
// releases the sink. It is the only place the multiplexer sends on a sink's
// channel (drainAll only closes them), so it is always run from the
// multiplexer's own goroutine and never races with itself.
func deliver(s *sink, res exchangeResult) bool {
	select {
	case s.ch <- res:
		return true
	case <-s.closed:
		return false
	}
}
