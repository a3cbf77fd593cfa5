package vici

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// recordedFrame is one logged packet: its wire direction, a monotonic
// sequence number, and the decoded envelope fields, mirroring the msgpack
// envelope framing used elsewhere in the pack for recording traffic
// crossing a process boundary.
type recordedFrame struct {
	Seq  uint64 `msgpack:"seq"`
	Dir  string `msgpack:"dir"` // "out" or "in"
	Type uint8  `msgpack:"type"`
	Name string `msgpack:"name,omitempty"`
	Body []byte `msgpack:"body"`
}

// recorder appends every packet the multiplexer sends or receives to an
// io.Writer as a stream of msgpack-encoded frames, for offline debugging
// or golden-file regression tests. It is safe to share across goroutines:
// the multiplexer records from its own goroutine, while RecordingTransport
// records outbound packets from the multiplexer goroutine and inbound ones
// from the reader goroutine.
type recorder struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
	seq uint64
}

// NewRecorder returns a recorder that appends to w. Closing or flushing w
// is the caller's responsibility.
func NewRecorder(w io.Writer) *recorder {
	return &recorder{enc: msgpack.NewEncoder(w)}
}

func (r *recorder) recordOut(p *packet) { r.record("out", p) }
func (r *recorder) recordIn(p *packet)  { r.record("in", p) }

func (r *recorder) record(dir string, p *packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	frame := recordedFrame{Seq: r.seq, Dir: dir, Type: uint8(p.ptype), Name: p.name, Body: p.body}
	// Recording is diagnostic, not load-bearing: a full write buffer or
	// closed file should not take the multiplexer down with it.
	_ = r.enc.Encode(&frame)
}

// ReadRecording decodes a stream previously written by a recorder back
// into its frames, in the order they were recorded.
func ReadRecording(r io.Reader) ([]recordedFrame, error) {
	dec := msgpack.NewDecoder(r)
	var frames []recordedFrame
	for {
		var f recordedFrame
		if err := dec.Decode(&f); err != nil {
			if err == io.EOF {
				return frames, nil
			}
			return frames, dataErr("recording: " + err.Error())
		}
		frames = append(frames, f)
	}
}

// ReplayTransport is a Transport stand-in that replays a previously
// recorded session: its Write calls are checked against the recorded
// outbound frames in order, and its Read calls deliver the recorded
// inbound frames in order. It exists for regression tests that want to
// pin a client's behavior against a fixed, captured exchange without a
// live daemon.
type ReplayTransport struct {
	mu      sync.Mutex
	frames  []recordedFrame
	pos     int
	pending []byte
}

// NewReplayTransport builds a ReplayTransport from a previously recorded
// frame sequence.
func NewReplayTransport(frames []recordedFrame) *ReplayTransport {
	return &ReplayTransport{frames: frames}
}

func (t *ReplayTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.pos < len(t.frames) && t.frames[t.pos].Dir != "out" {
		t.pos++
	}
	if t.pos >= len(t.frames) {
		return 0, io.ErrClosedPipe
	}
	frame := t.frames[t.pos]
	want, err := newPacket(packetType(frame.Type), frame.Name, frame.Body).encode()
	if err != nil {
		return 0, err
	}
	if string(p) != string(want) {
		return 0, dataErr("replay transport: write does not match recording")
	}
	t.pos++
	return len(p), nil
}

func (t *ReplayTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		for t.pos < len(t.frames) && t.frames[t.pos].Dir != "in" {
			t.pos++
		}
		if t.pos >= len(t.frames) {
			return 0, io.EOF
		}
		frame := t.frames[t.pos]
		t.pos++
		pkt := newPacket(packetType(frame.Type), frame.Name, frame.Body)
		buf, err := pkt.encode()
		if err != nil {
			return 0, err
		}
		t.pending = buf
	}

	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *ReplayTransport) Close() error { return nil }

// RecordingTransport tees every inbound and outbound packet through a
// recorder while delegating actual I/O to an inner Transport, so a live
// session can be captured transparently without the multiplexer itself
// needing to know a recorder is attached. rec may be nil, in which case
// it behaves as a plain passthrough.
type RecordingTransport struct {
	inner   Transport
	rec     *recorder
	pending []byte
}

// NewRecordingTransport wraps inner so every packet written to or read
// from it is also appended to rec.
func NewRecordingTransport(inner Transport, rec *recorder) *RecordingTransport {
	return &RecordingTransport{inner: inner, rec: rec}
}

func (t *RecordingTransport) Write(p []byte) (int, error) {
	if t.rec != nil {
		if pkt, err := decodeFramedPacket(p); err == nil {
			t.rec.recordOut(pkt)
		}
	}
	return t.inner.Write(p)
}

func (t *RecordingTransport) Read(p []byte) (int, error) {
	if len(t.pending) == 0 {
		pkt, err := readPacket(t.inner)
		if err != nil {
			return 0, err
		}
		if t.rec != nil {
			t.rec.recordIn(pkt)
		}
		buf, err := pkt.encode()
		if err != nil {
			return 0, err
		}
		t.pending = buf
	}

	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *RecordingTransport) Close() error {
	return t.inner.Close()
}

// decodeFramedPacket parses a complete length-prefixed frame (header and
// body together, as writePacket hands to Write in a single call) back
// into a packet, for RecordingTransport's outbound tee.
func decodeFramedPacket(buf []byte) (*packet, error) {
	if len(buf) < 4 {
		return nil, dataErr("recording: frame shorter than length header")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if uint32(len(buf)-4) != n {
		return nil, dataErr("recording: frame length does not match header")
	}
	return decodeBody(buf[4:])
}

// ScriptedTransport is a Transport test double driven by an explicit
// script of reads and writes, the way the original implementation's test
// suite drives its I/O mock. Each step is either an expected write (the
// bytes the production code under test must produce) or a canned read
// (bytes handed back verbatim, split across as many Read calls as the
// caller makes).
type ScriptedTransport struct {
	mu             sync.Mutex
	cond           *sync.Cond
	steps          []scriptStep
	pos            int
	pending        []byte
	closed         bool
	held           bool
	mismatch       error
	readCount      int
	pauseAfterRead int
}

type scriptStep struct {
	isWrite bool
	data    []byte
}

// NewScriptedTransport returns an empty script; chain ExpectWrite/QueueRead
// calls to build it up.
func NewScriptedTransport() *ScriptedTransport {
	t := &ScriptedTransport{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// ExpectWrite appends a step asserting the next Write call's bytes equal
// data exactly.
func (t *ScriptedTransport) ExpectWrite(data []byte) *ScriptedTransport {
	t.steps = append(t.steps, scriptStep{isWrite: true, data: data})
	return t
}

// QueueRead appends a step that returns data from subsequent Read calls.
func (t *ScriptedTransport) QueueRead(data []byte) *ScriptedTransport {
	t.steps = append(t.steps, scriptStep{isWrite: false, data: data})
	return t
}

// Hold makes Read block, even past its scripted turn, until Release is
// called, so a test can finish setting something up (e.g. installing an
// error handler) before the scripted bytes start flowing.
func (t *ScriptedTransport) Hold() *ScriptedTransport {
	t.held = true
	return t
}

// Release lets any Read blocked by Hold proceed.
func (t *ScriptedTransport) Release() {
	t.mu.Lock()
	t.held = false
	t.mu.Unlock()
	t.cond.Broadcast()
}

// PauseAfter re-arms the hold once the nth scripted read (1-indexed, in
// script order) has been handed to the transport's caller, so a test can
// synchronize on "exactly n scripted frames have been delivered" before
// mutating shared state (e.g. installing a different error handler) that
// the following frame's routing depends on. A further Release is then
// required before the next read proceeds.
func (t *ScriptedTransport) PauseAfter(n int) *ScriptedTransport {
	t.pauseAfterRead = n
	return t
}

// Write records an outbound frame, blocking until it is the script's turn
// for a write (a concurrent reader goroutine otherwise races ahead of the
// command that triggers it).
func (t *ScriptedTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.closed && t.pos < len(t.steps) && !t.steps[t.pos].isWrite {
		t.cond.Wait()
	}
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	if t.pos >= len(t.steps) {
		t.mismatch = dataErr("scripted transport: unexpected write")
		return 0, t.mismatch
	}
	want := t.steps[t.pos].data
	if len(p) != len(want) || string(p) != string(want) {
		t.mismatch = dataErr("scripted transport: write does not match script")
		return 0, t.mismatch
	}
	t.pos++
	t.cond.Broadcast()
	return len(p), nil
}

// Read blocks until it is the script's turn for a read (the mock's reader
// goroutine otherwise races ahead of any writes the script expects first).
func (t *ScriptedTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.pending) == 0 {
		for t.held {
			t.cond.Wait()
		}
		if t.closed {
			return 0, io.EOF
		}
		if t.pos >= len(t.steps) {
			return 0, io.EOF
		}
		if t.steps[t.pos].isWrite {
			t.cond.Wait()
			continue
		}
		t.pending = t.steps[t.pos].data
		t.pos++
		t.readCount++
		if t.pauseAfterRead > 0 && t.readCount == t.pauseAfterRead {
			t.held = true
		}
		t.cond.Broadcast()
	}

	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *ScriptedTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
	return nil
}

// Err reports the first script mismatch observed, if any.
func (t *ScriptedTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mismatch
}

// Done reports whether every scripted step has been consumed.
func (t *ScriptedTransport) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos >= len(t.steps)
}
