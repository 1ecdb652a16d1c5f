// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

// Package evbuilder implements the multi-source event builder (spec.md
// §4.5): per-source input rings, an output recycle ring, transparent and
// active assembly modes, and optional cross-source verification.
package evbuilder

import (
	"github.com/dcalvet/feminos-daqhost/pkg/bufpool"
	"github.com/dcalvet/feminos-daqhost/pkg/frame"
	"github.com/sirupsen/logrus"
)

// ringSize is the depth of each per-source input ring and of the output
// recycle ring per source (spec.md §4.5: "q_in[source][256]").
const ringSize = 256

// Mode bits select assembly and verification behavior (spec.md §4.5.3).
type Mode int

const (
	ModeActive           Mode = 1 << 0
	ModeVerifyEventNb    Mode = 1 << 1
	ModeVerifyTsExact    Mode = 1 << 2
	ModeVerifyTsTolerant Mode = 1 << 3
)

// Sink receives forwarded buffers and built-event sentinels (spec.md
// §4.5.4). Implementations must not block the builder meaningfully;
// heavy work (disk I/O, ROOT writes) should be buffered internally.
type Sink interface {
	Dispatch(source int, body []byte)
	StartOfBuiltEvent()
	EndOfBuiltEvent()
}

// Release is one buffer handed back by the builder for recycling; Source
// identifies the FEM proxy that originally produced it, so the array can
// restore that proxy's DAQ credit (spec.md §4.4.4).
type Release struct {
	Buf    *bufpool.Buffer
	Source int
}

type sourceState struct {
	ring     []*bufpool.Buffer
	head     int
	tail     int
	hadSOE   bool
	envelope frame.EventEnvelope
}

func newSourceState() *sourceState {
	return &sourceState{ring: make([]*bufpool.Buffer, ringSize)}
}

func (s *sourceState) push(b *bufpool.Buffer) bool {
	next := (s.tail + 1) % ringSize
	if next == s.head {
		return false
	}
	s.ring[s.tail] = b
	s.tail = next
	return true
}

func (s *sourceState) pop() (*bufpool.Buffer, bool) {
	if s.head == s.tail {
		return nil, false
	}
	b := s.ring[s.head]
	s.ring[s.head] = nil
	s.head = (s.head + 1) % ringSize
	return b, true
}

func (s *sourceState) empty() bool { return s.head == s.tail }

// Builder is the single-threaded event builder state (spec.md §4.5).
// All exported methods assume the caller holds whatever external lock
// guards concurrent access to the input rings (the FEM Array's send
// mutex, per spec.md §5's lock ordering). The recycle ring has no
// synchronisation of its own either: the FEM Array calls PopRecycled
// under the same send mutex.
type Builder struct {
	log  *logrus.Logger
	mode Mode

	sources []*sourceState
	recycle []Release
	recHead int
	recTail int

	pndSrc    uint32
	hadSOBE   bool
	srcHadSOE uint32

	sinks []Sink

	// onMismatch and onRecycle are optional metrics hooks (SPEC_FULL.md
	// §4.11); nil is a valid, no-op default.
	onMismatch func(kind string)
	onRecycle  func()
}

// SetMismatchHook installs a callback invoked once per cross-source
// verification mismatch, labelled by kind ("event_nb", "ts_exact",
// "ts_tolerant").
func (b *Builder) SetMismatchHook(fn func(kind string)) {
	b.onMismatch = fn
}

// SetRecycleHook installs a callback invoked once per buffer queued for
// recycling.
func (b *Builder) SetRecycleHook(fn func()) {
	b.onRecycle = fn
}

// New constructs a Builder over nSources input rings.
func New(nSources int, log *logrus.Logger) *Builder {
	b := &Builder{
		log:     log,
		sources: make([]*sourceState, nSources),
		recycle: make([]Release, ringSize*nSources+1),
	}
	for i := range b.sources {
		b.sources[i] = newSourceState()
	}
	return b
}

// SetMode installs the assembly/verification mode and flushes any
// in-progress event (spec.md §4.6 `event_builder N`, §4.5.5 Flush).
func (b *Builder) SetMode(m Mode) {
	b.Flush()
	b.mode = m
}

// AddSink registers a sink to receive forwarded buffers.
func (b *Builder) AddSink(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Post enqueues a data buffer received from source onto that source's
// input ring. It is dropped (and immediately recycled) if the ring is
// full, matching the fixed-capacity-ring contract of spec.md §4.5.
func (b *Builder) Post(source int, buf *bufpool.Buffer) {
	if source < 0 || source >= len(b.sources) {
		return
	}
	if !b.sources[source].push(buf) {
		b.log.WithField("source", source).Warn("evbuilder: input ring full, dropping buffer")
		b.recycleBuf(buf, source)
		return
	}
	b.Drain()
}

// Drain runs one pass of dispatch logic over every source, in
// transparent or active mode depending on the current Mode (spec.md
// §4.5.1, §4.5.2).
func (b *Builder) Drain() {
	if b.mode&ModeActive == 0 {
		b.drainTransparent()
		return
	}
	b.drainActive()
}

func (b *Builder) drainTransparent() {
	for src, st := range b.sources {
		for {
			buf, ok := st.pop()
			if !ok {
				break
			}
			b.dispatch(src, buf)
		}
	}
}

func (b *Builder) drainActive() {
	if b.pndSrc == 0 {
		b.pndSrc = (uint32(1) << uint(len(b.sources))) - 1
	}
	if !b.hadSOBE {
		for _, s := range b.sinks {
			s.StartOfBuiltEvent()
		}
		b.hadSOBE = true
	}

	for src := 0; src < len(b.sources); src++ {
		bit := uint32(1) << uint(src)
		if b.pndSrc&bit == 0 {
			continue
		}
		st := b.sources[src]
		for {
			buf, ok := st.pop()
			if !ok {
				break
			}
			b.verifyIfFirst(src, buf.Data)
			endOfEvent := frame.IsDFrameEndOfEvent(buf.Data)
			b.dispatch(src, buf)
			if endOfEvent {
				b.pndSrc &^= bit
				break
			}
		}
	}

	if b.pndSrc == 0 {
		for _, s := range b.sinks {
			s.EndOfBuiltEvent()
		}
		b.hadSOBE = false
		b.srcHadSOE = 0
	}
}

// verifyIfFirst extracts the event envelope from the first buffer seen
// for src in the current event and checks it against the reference
// source's envelope per the active verification sub-modes (spec.md
// §4.5.3).
func (b *Builder) verifyIfFirst(src int, body []byte) {
	bit := uint32(1) << uint(src)
	if b.srcHadSOE&bit != 0 {
		return
	}
	defer func() { b.srcHadSOE |= bit }()

	// START_OF_EVENT follows the length word, the START_OF_DFRAME tag and
	// its fill-size word.
	env, _, err := frame.ExtractEventEnvelope(body, 6)
	if err != nil {
		return
	}
	st := b.sources[src]
	st.envelope = env

	if b.srcHadSOE == 0 {
		return // this is the reference source for the event
	}
	refSrc := referenceSource(b.srcHadSOE, len(b.sources))
	if refSrc < 0 {
		return
	}
	ref := b.sources[refSrc].envelope
	b.checkVerification(src, ref, env)
}

func referenceSource(mask uint32, n int) int {
	for i := 0; i < n; i++ {
		if mask&(uint32(1)<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}

func (b *Builder) checkVerification(src int, ref, got frame.EventEnvelope) {
	if b.mode&ModeVerifyEventNb != 0 {
		if ref.EvType != got.EvType || ref.EvNb != got.EvNb {
			b.log.WithFields(logrus.Fields{"source": src, "ref_ev_nb": ref.EvNb, "got_ev_nb": got.EvNb}).
				Warn("evbuilder: event number mismatch")
			b.reportMismatch("event_nb")
		}
	}
	if b.mode&ModeVerifyTsExact != 0 {
		if ref.Timestamp48() != got.Timestamp48() {
			b.log.WithFields(logrus.Fields{"source": src}).Warn("evbuilder: timestamp mismatch")
			b.reportMismatch("ts_exact")
		}
	}
	if b.mode&ModeVerifyTsTolerant != 0 {
		if !tsWithinTolerance(ref.Timestamp48(), got.Timestamp48()) {
			b.log.WithFields(logrus.Fields{"source": src}).Warn("evbuilder: timestamp outside tolerance")
			b.reportMismatch("ts_tolerant")
		}
	}
}

func (b *Builder) reportMismatch(kind string) {
	if b.onMismatch != nil {
		b.onMismatch(kind)
	}
}

// tsWithinTolerance implements spec.md §4.5.3 bit3: the low 32 bits may
// differ by ±1; the high 16 bits must match unless the low 32 rolled
// over (all-zero or all-ones boundary).
func tsWithinTolerance(ref, got uint64) bool {
	refLow := uint32(ref)
	gotLow := uint32(got)
	refHigh := uint16(ref >> 32)
	gotHigh := uint16(got >> 32)

	diff := int64(gotLow) - int64(refLow)
	if diff == 0 || diff == 1 || diff == -1 {
		return refHigh == gotHigh
	}
	// Wraparound: low word rolled from all-ones to all-zero (or back).
	if refLow == 0xFFFFFFFF && gotLow == 0 {
		return gotHigh == refHigh+1
	}
	if refLow == 0 && gotLow == 0xFFFFFFFF {
		return refHigh == gotHigh+1
	}
	return false
}

// dispatch forwards buf's payload (skipping only the 2-byte length word;
// the frame tag itself is forwarded to sinks) to every sink and queues
// buf for recycling.
func (b *Builder) dispatch(source int, buf *bufpool.Buffer) {
	body := buf.Data
	if len(body) > 2 {
		body = body[2:]
	}
	for _, s := range b.sinks {
		s.Dispatch(source, body)
	}
	b.recycleBuf(buf, source)
}

func (b *Builder) recycleBuf(buf *bufpool.Buffer, source int) {
	next := (b.recTail + 1) % len(b.recycle)
	if next == b.recHead {
		b.log.Warn("evbuilder: recycle ring full, buffer leaked")
		return
	}
	b.recycle[b.recTail] = Release{Buf: buf, Source: source}
	b.recTail = next
	if b.onRecycle != nil {
		b.onRecycle()
	}
}

// PopRecycled returns the next buffer queued for return to the pool, or
// ok=false if none are pending (spec.md §4.4.4).
func (b *Builder) PopRecycled() (Release, bool) {
	if b.recHead == b.recTail {
		return Release{}, false
	}
	r := b.recycle[b.recHead]
	b.recycle[b.recHead] = Release{}
	b.recHead = (b.recHead + 1) % len(b.recycle)
	return r, true
}

// Flush drains every input ring back through recycling without
// dispatching, and clears all in-progress event state (spec.md §4.5.5).
func (b *Builder) Flush() {
	for src, st := range b.sources {
		for {
			buf, ok := st.pop()
			if !ok {
				break
			}
			b.recycleBuf(buf, src)
		}
		st.hadSOE = false
	}
	b.pndSrc = 0
	b.hadSOBE = false
	b.srcHadSOE = 0
}
