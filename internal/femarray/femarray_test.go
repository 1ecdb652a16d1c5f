// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

package femarray

import (
	"net"
	"testing"

	"github.com/dcalvet/feminos-daqhost/internal/evbuilder"
	"github.com/dcalvet/feminos-daqhost/internal/femproxy"
	"github.com/dcalvet/feminos-daqhost/pkg/bufpool"
	"github.com/dcalvet/feminos-daqhost/pkg/frame"
	"github.com/sirupsen/logrus"
)

func newLoopbackArray(t *testing.T) (*Array, *net.UDPConn) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	builder := evbuilder.New(1, log)

	card, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP(card): %v", err)
	}
	t.Cleanup(func() { card.Close() })

	// The proxy targets the card socket's port: sending to port 0 fails.
	a, err := New(1, net.IPv4(127, 0, 0, 1), card.LocalAddr().(*net.UDPAddr).Port, "127.0.0.1", builder, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)
	return a, card
}

// dFrameDatagram builds a minimal data-frame datagram of exactly
// totalLen bytes, padded with ADC sample filler words before the
// END_OF_FRAME terminator.
func dFrameDatagram(seq uint8, reset bool, totalLen int) []byte {
	lead := uint16(seq)
	if reset {
		lead |= 0x0100
	}
	out := make([]byte, 2, totalLen)
	out[0] = byte(lead)
	out[1] = byte(lead >> 8)
	out = append(out, byte(frame.PfxStartOfDFrame), byte(frame.PfxStartOfDFrame>>8))
	out = append(out, 0, 0) // fill size, unused by the test
	for len(out)+2 < totalLen {
		out = append(out, frame.EncodeADCSample(0)...)
	}
	out = append(out, frame.EncodeEndOfFrame()...)
	return out
}

// TestSendDaqCreditExhaustion implements scenario S4 (spec.md §8): with
// MAX_REQ_CREDIT_BYTES=0x4000 and req_threshold=0x2000, starting a
// 0x10000-byte DAQ session grants 0x4000 immediately, withholds further
// grants until a reply restores credit above threshold, and drains to
// zero after four such grant/restore cycles. sendDaqToProxy stands in
// for the automatic re-request the receive loop issues after every
// reply in the original source (evbuilder.cpp's post-event "DAQ -2").
func TestSendDaqCreditExhaustion(t *testing.T) {
	a, card := newLoopbackArray(t)
	proxy := a.Proxies()[0]
	pool := bufpool.New(8, femproxy.MTU)

	if proxy.ReqCredit != femproxy.DefaultMaxReqCreditBytes || proxy.ReqCredit != 0x4000 {
		t.Fatalf("ReqCredit = 0x%x, want 0x4000", proxy.ReqCredit)
	}
	if proxy.ReqThreshold != 0x2000 {
		t.Fatalf("ReqThreshold = 0x%x, want 0x2000", proxy.ReqThreshold)
	}

	a.SendDaq(0, 0, 1, 0x10000)
	if a.daqSizeLeft != 0x10000 {
		t.Fatalf("daqSizeLeft = 0x%x, want 0x10000", a.daqSizeLeft)
	}
	if proxy.ReqCredit != 0 || proxy.PndRecv != 0x4000 || proxy.Stats.DaqPosted != 1 {
		t.Fatalf("after first grant: ReqCredit=0x%x PndRecv=0x%x DaqPosted=%d, want 0, 0x4000, 1",
			proxy.ReqCredit, proxy.PndRecv, proxy.Stats.DaqPosted)
	}

	// A re-request attempt before any reply must grant nothing:
	// ReqCredit (0) is below ReqThreshold (0x2000).
	a.sendDaqToProxy(proxy)
	if proxy.Stats.DaqPosted != 1 {
		t.Fatalf("DaqPosted advanced with no credit available: %d", proxy.Stats.DaqPosted)
	}

	wantLeft := []uint64{0xC000, 0x8000, 0x4000, 0}
	seq := uint8(1)
	for cycle, left := range wantLeft {
		// Each 0x4000 restore arrives as two MTU-sized (0x2000) replies: a
		// single 0x4000-byte datagram would not fit a pool buffer.
		for half := 0; half < 2; half++ {
			card.WriteToUDP(dFrameDatagram(seq, seq == 1, femproxy.MTU), proxy.LocalAddr())
			seq++
			if !a.pollOnce(pool) {
				t.Fatalf("cycle %d: pollOnce reported no progress", cycle)
			}
		}
		a.drainRecycle(pool)
		if a.daqSizeLeft != left {
			t.Fatalf("cycle %d: daqSizeLeft = 0x%x, want 0x%x", cycle, a.daqSizeLeft, left)
		}
		a.sendDaqToProxy(proxy)
	}

	if a.daqSizeLeft != 0 {
		t.Fatalf("daqSizeLeft after four grant/restore cycles = 0x%x, want 0", a.daqSizeLeft)
	}
	if a.daqSizeRcv != 0x10000 {
		t.Fatalf("daqSizeRcv = 0x%x, want 0x10000", a.daqSizeRcv)
	}
	if proxy.Stats.DaqPosted != 4 {
		t.Fatalf("DaqPosted = %d, want 4 grants total", proxy.Stats.DaqPosted)
	}
	if !proxy.LastAckSent {
		t.Fatalf("expected LastAckSent once daq_size_left reached zero")
	}
}

// TestDaqSizeRcvCreditedOnlyAtRecycle is a regression test for the
// double-counting bug: daqSizeRcv must be credited exactly once per
// buffer, at drainRecycle (spec.md §4.4.4), not again when pollOnce
// first classifies the datagram as data.
func TestDaqSizeRcvCreditedOnlyAtRecycle(t *testing.T) {
	a, card := newLoopbackArray(t)
	proxy := a.Proxies()[0]
	pool := bufpool.New(8, femproxy.MTU)

	a.SendDaq(0, 0, 1, 0x10000)

	card.WriteToUDP(dFrameDatagram(1, true, 0x1000), proxy.LocalAddr())
	if !a.pollOnce(pool) {
		t.Fatal("pollOnce reported no progress")
	}
	if a.daqSizeRcv != 0 {
		t.Fatalf("daqSizeRcv credited at receipt time: %#x, want 0 before drainRecycle", a.daqSizeRcv)
	}

	a.drainRecycle(pool)
	if a.daqSizeRcv != 0x1000 {
		t.Fatalf("daqSizeRcv after drainRecycle = 0x%x, want 0x1000", a.daqSizeRcv)
	}
}
