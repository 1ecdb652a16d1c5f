// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

// Package femarray owns the set of FEM proxies, the shared send-path
// mutex, DAQ credit bookkeeping across the whole array, and the receive
// loop that drives every proxy's socket (spec.md §4.4).
package femarray

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dcalvet/feminos-daqhost/internal/evbuilder"
	"github.com/dcalvet/feminos-daqhost/internal/femproxy"
	"github.com/dcalvet/feminos-daqhost/pkg/bufpool"
	"github.com/dcalvet/feminos-daqhost/pkg/frame"
	"github.com/dcalvet/feminos-daqhost/pkg/osal"
	"github.com/sirupsen/logrus"
)

// cmdRendezvousTimeout bounds how long SendCommand waits for every
// selected proxy's reply (spec.md §4.4.1).
const cmdRendezvousTimeout = 4 * time.Second

// receiveLoopTimeout bounds each iteration of the receive loop's select
// equivalent (spec.md §4.4.3).
const receiveLoopTimeout = 5 * time.Second

// ErrCommandPending is returned by SendCommand when a targeted proxy
// already has a reply outstanding.
var ErrCommandPending = fmt.Errorf("femarray: command already pending on proxy")

// Array owns every FEM proxy and the array-wide DAQ session state.
type Array struct {
	proxies []*femproxy.Proxy
	builder *evbuilder.Builder
	log     *logrus.Logger

	sndMutex osal.Mutex
	sem      *osal.Semaphore

	pendingRepCnt int

	// DAQ session state (spec.md §4.4.2).
	credUnit    femproxy.CreditUnit
	daqSizeLeft uint64
	daqSizeRcv  uint64
	daqInfinite bool
	daqLastTime time.Time

	// One-shot, array-wide fault injection (spec.md §4.15).
	dropACredit  bool
	delayACredit time.Duration

	// Pedestal/threshold list capture state (spec.md §8 S1, `LIST
	// ped`/`LIST thr`).
	listKind  int // 0 none, 1 ped, 2 thr
	listCnt   int
	listFirst bool
	listDir   string
	listFile  *os.File
}

// New constructs an Array over count proxies targeting baseIP+[0,count)
// on port, wired to builder for posting/recycling data buffers.
func New(count int, baseIP net.IP, port int, localAddr string, builder *evbuilder.Builder, log *logrus.Logger) (*Array, error) {
	a := &Array{
		builder:  builder,
		log:      log,
		sem:      osal.NewSemaphore(0),
		credUnit: femproxy.CreditBytes,
	}
	for i := 0; i < count; i++ {
		p, err := femproxy.New(i, baseIP, port, localAddr, log.WithField("component", "femproxy"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("femarray: proxy %d: %w", i, err)
		}
		a.proxies = append(a.proxies, p)
	}
	return a, nil
}

// Close releases every proxy socket.
func (a *Array) Close() {
	for _, p := range a.proxies {
		p.Close()
	}
}

// Proxies exposes the underlying proxy set for inspection (metrics, tests).
func (a *Array) Proxies() []*femproxy.Proxy { return a.proxies }

// DaqSizeLeft reports the bytes (or frames) still outstanding in the
// current DAQ session, satisfying cmdfetcher.Driver for the `daq`
// directive's session-drain rendezvous.
func (a *Array) DaqSizeLeft() uint64 {
	a.sndMutex.Lock()
	defer a.sndMutex.Unlock()
	return a.daqSizeLeft
}

// SetCreditUnit selects Bytes or Frames as the DAQ credit denomination
// for the whole array (spec.md §4.4.2).
func (a *Array) SetCreditUnit(u femproxy.CreditUnit) {
	a.sndMutex.Lock()
	defer a.sndMutex.Unlock()
	a.credUnit = u
}

// DropNextCredit arms a one-shot, array-wide fault that skips the next
// SendDaq request for whichever proxy's turn comes up first (spec.md
// §4.15, `drop credit`).
func (a *Array) DropNextCredit() {
	a.sndMutex.Lock()
	defer a.sndMutex.Unlock()
	a.dropACredit = true
}

// DelayNextCredit arms a one-shot delay before the next SendDaq request
// is sent (spec.md §4.15, `delay credit`).
func (a *Array) DelayNextCredit(d time.Duration) {
	a.sndMutex.Lock()
	defer a.sndMutex.Unlock()
	a.delayACredit = d
}

// ResetStats clears the cumulative counters of every selected proxy
// (cmdfetcher `credits restore`, spec.md §4.6).
func (a *Array) ResetStats(begin, end, pattern int) {
	a.sndMutex.Lock()
	defer a.sndMutex.Unlock()
	for _, i := range selected(begin, end, pattern) {
		if i >= 0 && i < len(a.proxies) {
			a.proxies[i].ResetStats()
		}
	}
}

// ArmListCapture primes the receive loop to save the next count
// PEDTHR_LIST replies (one per selected card) to a timestamped file
// under dir (spec.md §8 S1, original source's is_list_fr_pnd/list_fr_cnt).
func (a *Array) ArmListCapture(kind string, count int, dir string) {
	a.sndMutex.Lock()
	defer a.sndMutex.Unlock()
	if kind == "thr" {
		a.listKind = 2
	} else {
		a.listKind = 1
	}
	a.listCnt = count
	a.listFirst = true
	a.listDir = dir
}

// selected reports which proxy indices in [begin, end] have bit i set in
// pattern.
func selected(begin, end, pattern int) []int {
	var out []int
	for i := begin; i <= end; i++ {
		if pattern&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// SendCommand fans cmd out to every selected proxy and blocks until all
// replies arrive or the rendezvous times out (spec.md §4.4.1).
func (a *Array) SendCommand(begin, end, pattern int, cmd string) error {
	a.sndMutex.Lock()
	a.pendingRepCnt = 0
	var posted []int
	for _, i := range selected(begin, end, pattern) {
		if i < 0 || i >= len(a.proxies) {
			continue
		}
		p := a.proxies[i]
		if p.IsCmdPending {
			a.sndMutex.Unlock()
			return fmt.Errorf("femarray: proxy %d: %w", i, ErrCommandPending)
		}
		p.Stats.CmdPosted++
		p.IsCmdPending = true
		a.pendingRepCnt++
		posted = append(posted, i)
	}
	for _, i := range posted {
		if err := a.proxies[i].Send(cmd); err != nil {
			a.log.WithError(err).WithField("fem", i).Warn("femarray: command send failed")
		}
	}
	a.sndMutex.Unlock()

	if len(posted) == 0 {
		return nil
	}
	if r := a.sem.WaitTimeout(cmdRendezvousTimeout); r != osal.WaitOK {
		return fmt.Errorf("femarray: rendezvous %s waiting for %d replies", r, a.pendingRepCnt)
	}
	return nil
}

// SendDaq implements the credit-based DAQ request logic of spec.md
// §4.4.2 for one "DAQ <arg>" command over the selected proxies.
func (a *Array) SendDaq(begin, end, pattern int, arg int64) {
	a.sndMutex.Lock()
	defer a.sndMutex.Unlock()

	switch {
	case arg == 0:
		a.daqInfinite = false
		a.daqSizeLeft = 0
		return
	case arg == -1:
		a.daqInfinite = true
	case arg == -2:
		a.tickProgress()
		return
	case arg > 0:
		a.daqInfinite = false
		a.daqSizeLeft = uint64(arg)
		a.daqSizeRcv = 0
		a.daqLastTime = time.Now()
	}

	for _, i := range selected(begin, end, pattern) {
		if i < 0 || i >= len(a.proxies) {
			continue
		}
		a.sendDaqToProxy(a.proxies[i])
	}
}

func (a *Array) sendDaqToProxy(p *femproxy.Proxy) {
	if p.ReqCredit < p.ReqThreshold {
		return
	}
	if a.daqSizeLeft == 0 && !a.daqInfinite {
		p.LastAckSent = true
		return
	}

	reqSize := p.ReqCredit
	if !a.daqInfinite && uint64(reqSize) > a.daqSizeLeft {
		reqSize = int(a.daqSizeLeft)
	}
	if reqSize == 0 {
		p.IsFirstReq = true
		return
	}
	p.LastAckSent = false

	if a.dropACredit {
		a.dropACredit = false
		return
	}
	if a.delayACredit > 0 {
		time.Sleep(a.delayACredit)
		a.delayACredit = 0
	}

	unit := byte(a.credUnit)
	var cmd string
	if p.IsFirstReq {
		cmd = fmt.Sprintf("daq 0x%x %c", reqSize, unit)
		p.IsFirstReq = false
		p.ReqSeqNb = 0xFF
	} else {
		p.ReqSeqNb++
		cmd = fmt.Sprintf("daq 0x%x %c 0x%x", reqSize, unit, p.ReqSeqNb)
	}
	if err := p.Send(cmd); err != nil {
		a.log.WithError(err).WithField("fem", p.ID).Warn("femarray: daq request send failed")
		return
	}

	p.ReqCredit -= reqSize
	p.PndRecv += reqSize
	p.Stats.DaqPosted++
}

// tickProgress recomputes aggregate throughput since the last tick and
// logs it without mutating any credit state (spec.md §4.15, `DAQ -2`).
func (a *Array) tickProgress() {
	now := time.Now()
	elapsed := now.Sub(a.daqLastTime)
	a.daqLastTime = now
	if elapsed <= 0 {
		return
	}
	mbps := float64(a.daqSizeRcv) / elapsed.Seconds() / (1024 * 1024)
	a.log.WithFields(logrus.Fields{
		"mb_per_s":      mbps,
		"daq_size_left": a.daqSizeLeft,
		"daq_size_rcv":  a.daqSizeRcv,
	}).Info("daq progress")
}

// Run drives the receive loop until ctx is cancelled (spec.md §4.4.3).
func (a *Array) Run(ctx context.Context, pool *bufpool.Pool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ready := a.pollOnce(pool)
		if !ready {
			continue
		}
		a.drainRecycle(pool)
	}
}

// pollOnce reads one pending datagram (if any) from each proxy with a
// bounded per-proxy deadline standing in for a select(2)-style
// multiplexed wait, and posts any data frames to the event builder.
func (a *Array) pollOnce(pool *bufpool.Pool) bool {
	a.sndMutex.Lock()
	defer a.sndMutex.Unlock()

	anyProgress := false
	deadline := time.Now().Add(receiveLoopTimeout / time.Duration(max(1, len(a.proxies))))
	for idx, p := range a.proxies {
		buf, err := pool.Give(bufpool.AutoReturned)
		if err != nil {
			a.log.WithError(err).Warn("femarray: pool exhausted")
			continue
		}
		p.SetReadDeadline(deadline)
		res, err := p.Receive(buf)
		if err != nil {
			pool.Return(buf)
			continue
		}
		anyProgress = true

		switch res.Kind {
		case femproxy.FrameData:
			a.builder.Post(idx, buf)
		case femproxy.FrameConfigReply, femproxy.FrameMonitoring:
			if a.listKind != 0 && res.PedThr != nil {
				a.savePedThrList(res.PedThr)
			}
			pool.Return(buf)
			a.pendingRepCnt--
			if a.pendingRepCnt <= 0 {
				a.pendingRepCnt = 0
				a.sem.Signal()
			}
		}
	}
	return anyProgress
}

// savePedThrList appends one PEDTHR_LIST reply to the capture file armed
// by ArmListCapture, opening it on the first frame and closing it once
// every selected card has replied (spec.md §8 S1, grounded on the
// original source's FemArray_SavePedThrList).
func (a *Array) savePedThrList(el *frame.Element) {
	if a.listFirst {
		prefix := "ped"
		if a.listKind == 2 {
			prefix = "thr"
		}
		name := fmt.Sprintf("%s_%s.txt", prefix, time.Now().Format("2006_01_02-15_04_05"))
		f, err := os.Create(filepath.Join(a.listDir, name))
		if err != nil {
			a.log.WithError(err).Warn("femarray: list capture file create failed")
			a.listKind = 0
			return
		}
		a.listFile = f
		a.listFirst = false
	}

	if a.listFile != nil {
		label, tag := "Pedestal", "ped"
		if el.PedThr.Type == 1 {
			label, tag = "Threshold", "thr"
		}
		fmt.Fprintf(a.listFile, "# %s List for FEM %02d ASIC %01d\n", label, el.PedThr.Fem, el.PedThr.Asic)
		fmt.Fprintf(a.listFile, "fem %02d\n", el.PedThr.Fem)
		for j, w := range el.Extra {
			fmt.Fprintf(a.listFile, "%s %d %2d 0x%04x (%4d)\n", tag, el.PedThr.Asic, j, uint16(w), int16(w))
		}
	}

	if a.listCnt > 0 {
		a.listCnt--
	} else {
		a.log.Warn("femarray: unexpected PEDTHR_LIST reply with no capture frame outstanding")
	}
	if a.listCnt == 0 {
		if a.listFile != nil {
			a.listFile.Close()
			a.listFile = nil
		}
		a.listKind = 0
	}
}

// drainRecycle returns buffers the builder has finished with back to the
// pool and credits the originating proxy (spec.md §4.4.4).
func (a *Array) drainRecycle(pool *bufpool.Pool) {
	a.sndMutex.Lock()
	defer a.sndMutex.Unlock()
	for {
		rel, ok := a.builder.PopRecycled()
		if !ok {
			return
		}
		n := len(rel.Buf.Data)
		a.daqSizeRcv += uint64(n)
		if uint64(n) > a.daqSizeLeft {
			a.daqSizeLeft = 0
		} else {
			a.daqSizeLeft -= uint64(n)
		}
		if rel.Source >= 0 && rel.Source < len(a.proxies) {
			p := a.proxies[rel.Source]
			p.ReqCredit += n
			if p.ReqCredit > p.MaxReqCredit {
				p.ReqCredit = p.MaxReqCredit
			}
			p.PndRecv -= n
			if p.PndRecv < 0 {
				p.PndRecv = 0
			}
		}
		pool.Return(rel.Buf)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
