package evbuilder

import (
	"testing"

	"github.com/dcalvet/feminos-daqhost/pkg/bufpool"
	"github.com/dcalvet/feminos-daqhost/pkg/frame"
	"github.com/sirupsen/logrus"
)

type fakeSink struct {
	dispatched [][]byte
	sobeCount  int
	eobeCount  int
}

func (f *fakeSink) Dispatch(source int, body []byte) {
	cp := append([]byte(nil), body...)
	f.dispatched = append(f.dispatched, cp)
}
func (f *fakeSink) StartOfBuiltEvent() { f.sobeCount++ }
func (f *fakeSink) EndOfBuiltEvent()   { f.eobeCount++ }

func newTestBuilder(n int) (*Builder, *fakeSink) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	b := New(n, log)
	sink := &fakeSink{}
	b.AddSink(sink)
	return b, sink
}

// frameBody builds a data-frame payload: 2-byte length placeholder,
// START_OF_DFRAME tag, fill size, a START_OF_EVENT envelope, and, when
// endOfEvent is set, a trailing END_OF_EVENT tag.
func frameBody(ev frame.EventEnvelope, endOfEvent bool) []byte {
	out := make([]byte, 6) // length + StartOfDFrame tag + fill size (content unused by builder)
	out = append(out, frame.EncodeEventEnvelope(ev)...)
	if endOfEvent {
		// IsDFrameEndOfEvent only inspects the buffer's final word, so a
		// bare END_OF_EVENT tag (no trailing size word) is sufficient here.
		out = append(out, byte(frame.PfxEndOfEvent), byte(frame.PfxEndOfEvent>>8))
	}
	return out
}

// fillBuf copies content into buf and trims buf.Data to content's length,
// mirroring what femproxy.Receive does to the buffer it returns.
func fillBuf(buf *bufpool.Buffer, content []byte) {
	copy(buf.Data, content)
	buf.Data = buf.Data[:len(content)]
}

func TestTransparentModeDispatchesAllBuffers(t *testing.T) {
	b, sink := newTestBuilder(1)
	pool := bufpool.New(4, 64)

	buf, _ := pool.Give(bufpool.AutoReturned)
	fillBuf(buf, frameBody(frame.EventEnvelope{EvNb: 1}, true))
	b.Post(0, buf)

	if len(sink.dispatched) != 1 {
		t.Fatalf("dispatched = %d, want 1", len(sink.dispatched))
	}
	if _, ok := b.PopRecycled(); !ok {
		t.Fatal("expected a recycled buffer")
	}
}

func TestActiveModeEmitsSOBEAndEOBEForTwoSources(t *testing.T) {
	b, sink := newTestBuilder(2)
	b.SetMode(ModeActive)
	pool := bufpool.New(8, 64)

	env := frame.EventEnvelope{EvNb: 42, TsLow: 1, TsMid: 0, TsHigh: 0}

	b0, _ := pool.Give(bufpool.AutoReturned)
	fillBuf(b0, frameBody(env, true))
	b.Post(0, b0)

	if sink.sobeCount != 1 {
		t.Fatalf("sobeCount after source 0 = %d, want 1", sink.sobeCount)
	}
	if sink.eobeCount != 0 {
		t.Fatalf("eobeCount after source 0 = %d, want 0 (source 1 still pending)", sink.eobeCount)
	}

	b1, _ := pool.Give(bufpool.AutoReturned)
	fillBuf(b1, frameBody(env, true))
	b.Post(1, b1)

	if sink.eobeCount != 1 {
		t.Fatalf("eobeCount after both sources = %d, want 1", sink.eobeCount)
	}
}

func TestVerificationFlagsMismatchWithoutPanicking(t *testing.T) {
	b, _ := newTestBuilder(2)
	b.SetMode(ModeActive | ModeVerifyEventNb)
	mismatches := 0
	b.SetMismatchHook(func(string) { mismatches++ })
	pool := bufpool.New(8, 64)

	ref := frame.EventEnvelope{EvNb: 1}
	mismatched := frame.EventEnvelope{EvNb: 2}

	b0, _ := pool.Give(bufpool.AutoReturned)
	fillBuf(b0, frameBody(ref, true))
	b.Post(0, b0)

	b1, _ := pool.Give(bufpool.AutoReturned)
	fillBuf(b1, frameBody(mismatched, true))
	b.Post(1, b1) // should log a warning, not fail
	if mismatches != 1 {
		t.Fatalf("mismatches reported = %d, want 1", mismatches)
	}
}

func TestTimestampToleranceAcceptsOffByOne(t *testing.T) {
	if !tsWithinTolerance(100, 101) {
		t.Fatal("expected +1 to be within tolerance")
	}
	if !tsWithinTolerance(100, 99) {
		t.Fatal("expected -1 to be within tolerance")
	}
	if tsWithinTolerance(100, 103) {
		t.Fatal("expected +3 to be outside tolerance")
	}
}

func TestTimestampToleranceHandlesLowWordWraparound(t *testing.T) {
	ref := uint64(0x0001<<32) | 0xFFFFFFFF
	got := uint64(0x0002 << 32)
	if !tsWithinTolerance(ref, got) {
		t.Fatal("expected wraparound from all-ones low word to be tolerated")
	}
}

func TestFlushClearsInProgressEvent(t *testing.T) {
	b, _ := newTestBuilder(2)
	b.SetMode(ModeActive)
	pool := bufpool.New(8, 64)

	buf, _ := pool.Give(bufpool.AutoReturned)
	fillBuf(buf, frameBody(frame.EventEnvelope{}, false)) // no END_OF_EVENT: source stays pending
	b.Post(0, buf)

	b.Flush()
	if b.pndSrc != 0 || b.hadSOBE {
		t.Fatal("Flush did not reset in-progress event state")
	}
	if _, ok := b.PopRecycled(); !ok {
		t.Fatal("expected the buffer dispatched on Post to be queued for recycling")
	}
}
