// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

// Package femproxy implements the per-card proxy (spec.md §4.3): a single
// UDP socket, credit accounting, sequence tracking, and frame
// classification for one front-end card.
package femproxy

import (
	"fmt"
	"net"
	"time"

	"github.com/dcalvet/feminos-daqhost/internal/netcaps"
	"github.com/dcalvet/feminos-daqhost/pkg/bufpool"
	"github.com/dcalvet/feminos-daqhost/pkg/frame"
	"github.com/sirupsen/logrus"
)

// MTU bounds a single datagram read (spec.md §4.3 step 1).
const MTU = 8192

// Default credit parameters (spec.md §4.4.2, femproxy.h in the original
// source: MAX_REQ_CREDIT_BYTES, CREDIT_THRESHOLD_FOR_REQ).
const (
	DefaultMaxReqCreditBytes = 16 * 1024
	DefaultReqThreshold      = 8 * 1024
	socketRecvBufBytes       = 200 * 1024
)

// CreditUnit selects whether DAQ credit is denominated in bytes or frames
// (spec.md §4.4.2, §6).
type CreditUnit byte

const (
	CreditBytes  CreditUnit = 'B'
	CreditFrames CreditUnit = 'F'
)

// Stats holds the proxy's cumulative counters (spec.md §3 "Counters").
// Overflow never panics: counters wrap per Go's unsigned-integer
// semantics, matching spec.md §4.3 "Never fatal on overflow; wrap or
// saturate."
type Stats struct {
	CmdPosted    uint64
	CmdReply     uint64
	DaqPosted    uint64
	DaqReply     uint64
	DaqReplyLoss uint64
	// DaqReplyDupl mirrors the original source's duplicate-reply counter,
	// which is declared but never incremented there; kept at zero here
	// for interface parity (see DESIGN.md).
	DaqReplyDupl uint64
	CmdFailed    uint64
}

// FrameKind classifies a received datagram for the caller (FEM Array
// receive loop), per spec.md §4.3 step 5.
type FrameKind int

const (
	FrameData FrameKind = iota
	FrameConfigReply
	FrameMonitoring
)

// ReceiveResult reports what FemProxy.Receive classified and produced.
type ReceiveResult struct {
	Kind FrameKind

	// Buf is populated for FrameData: the buffer is handed to the caller
	// for posting to the event builder's per-source queue. The caller
	// owns its return.
	Buf *bufpool.Buffer

	// ASCII is populated for FrameConfigReply and carries the decoded
	// text payload, if any, for logging/persistence.
	ASCII []byte
	// ErrCode is the signed reply error code for FrameConfigReply.
	ErrCode int16

	// IsMsgStat is set for FrameMonitoring frames carrying a command
	// statistics block (spec.md §4.3: "if it is a statistics frame, also
	// print local counters").
	IsMsgStat bool

	// PedThr is populated when the reply carries a PEDTHR_LIST element
	// (the `LIST ped`/`LIST thr` capture path, spec.md §8 S1).
	PedThr *frame.Element
}

// Proxy is the per-card state described in spec.md §3 "FEM Proxy State".
type Proxy struct {
	ID     int
	Target *net.UDPAddr

	conn *net.UDPConn
	log  *logrus.Entry

	ReqCredit    int
	ReqThreshold int
	MaxReqCredit int
	PndRecv      int
	IsFirstReq   bool
	LastAckSent  bool // set when a daq request found no session size left; cleared when one is sent; not read to gate sends
	ReqSeqNb     uint8
	ExpRepNb     uint8
	IsCmdPending bool

	Stats Stats
}

// New constructs a Proxy targeting baseIP + index on port, optionally
// bound to a specific local interface address (spec.md §4.3).
func New(index int, baseIP net.IP, port int, localAddr string, log *logrus.Entry) (*Proxy, error) {
	target := &net.UDPAddr{IP: addCardOffset(baseIP, index), Port: port}

	var laddr *net.UDPAddr
	if localAddr != "" {
		ip := net.ParseIP(localAddr)
		if ip == nil {
			return nil, fmt.Errorf("femproxy: invalid local address %q", localAddr)
		}
		laddr = &net.UDPAddr{IP: ip}
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("femproxy(%d): listen: %w", index, err)
	}
	if err := netcaps.TuneRecvBuffer(conn, socketRecvBufBytes); err != nil {
		log.WithError(err).Warnf("femproxy(%d): SO_RCVBUF tuning degraded", index)
	}

	p := &Proxy{
		ID:           index,
		Target:       target,
		conn:         conn,
		log:          log.WithField("fem", index),
		ReqCredit:    DefaultMaxReqCreditBytes,
		ReqThreshold: DefaultReqThreshold,
		MaxReqCredit: DefaultMaxReqCreditBytes,
		IsFirstReq:   true,
		LastAckSent:  true,
	}
	return p, nil
}

func addCardOffset(base net.IP, index int) net.IP {
	ip4 := base.To4()
	out := make(net.IP, len(ip4))
	copy(out, ip4)
	out[3] += byte(index)
	return out
}

// Close releases the underlying socket.
func (p *Proxy) Close() error {
	return p.conn.Close()
}

// SetReadDeadline bounds the next Receive call, standing in for the
// per-socket readiness check of a select(2)-style multiplexed wait
// (spec.md §4.4.3).
func (p *Proxy) SetReadDeadline(t time.Time) error {
	return p.conn.SetReadDeadline(t)
}

// Send posts an ASCII command datagram to the card.
func (p *Proxy) Send(cmd string) error {
	_, err := p.conn.WriteToUDP([]byte(cmd), p.Target)
	return err
}

// LocalAddr reports the socket's bound local address, so test harnesses
// standing in for a card can address this proxy directly.
func (p *Proxy) LocalAddr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

// ResetSession clears the outgoing sequence number state so the next DAQ
// request is the sequence-resetting one (spec.md §9 design note: an
// explicit reset_session rather than an implicit boolean observed by
// SendDaq).
func (p *Proxy) ResetSession() {
	p.IsFirstReq = true
}

// ResetStats clears the cumulative counters (cmdfetcher "credits
// restore", spec.md §4.6), mirroring FemProxy_MsgStatClear in the
// original source.
func (p *Proxy) ResetStats() {
	p.Stats = Stats{}
}

// Receive reads one pending datagram into buf (owned by the caller,
// normally freshly obtained from the buffer pool), classifies it, and
// updates sequence bookkeeping and reply counters (spec.md §4.3). Credit
// is restored by the FEM Array when the buffer is recycled.
func (p *Proxy) Receive(buf *bufpool.Buffer) (ReceiveResult, error) {
	n, _, err := p.conn.ReadFromUDP(buf.Data)
	if err != nil {
		return ReceiveResult{}, err
	}
	body := buf.Data[:n]
	if err := frame.ValidateMinLength(body); err != nil {
		return ReceiveResult{}, fmt.Errorf("femproxy(%d): %w", p.ID, err)
	}
	// Downstream consumers (event builder, sinks) operate on the actual
	// datagram length, not the buffer's full capacity.
	buf.Data = body

	leading := uint16(body[0]) | uint16(body[1])<<8
	seq := uint8(leading & 0x00FF)
	resetFlag := leading&0x0100 != 0

	if resetFlag {
		p.ExpRepNb = seq
	} else if seq != p.ExpRepNb {
		p.Stats.DaqReplyLoss += uint64(uint8(seq - p.ExpRepNb))
	}
	p.ExpRepNb = seq + 1

	// Overwrite the leading word with the datagram length; downstream
	// consumers use the length, not the sequence number (spec.md §4.3
	// step 4).
	body[0] = byte(n)
	body[1] = byte(n >> 8)

	if frame.IsDFrame(body) {
		p.Stats.DaqReply++
		return ReceiveResult{Kind: FrameData, Buf: buf}, nil
	}

	if isC, ec := frame.IsCFrame(body); isC {
		p.IsCmdPending = false
		p.Stats.CmdReply++
		if ec < 0 {
			p.Stats.CmdFailed++
		}
		els := decodeElements(body)
		return ReceiveResult{Kind: FrameConfigReply, ASCII: extractASCII(els), ErrCode: ec, PedThr: extractPedThr(els)}, nil
	}

	p.IsCmdPending = false
	p.Stats.CmdReply++
	els := decodeElements(body)
	return ReceiveResult{Kind: FrameMonitoring, ASCII: extractASCII(els), IsMsgStat: frame.IsMsgStat(body), PedThr: extractPedThr(els)}, nil
}

// decodeElements decodes every tagged word following the frame's length
// word and start-of-frame tag, best-effort.
func decodeElements(body []byte) []frame.Element {
	if len(body) <= 4 {
		return nil
	}
	els, err := frame.Decode(body[4:])
	if err != nil {
		return nil
	}
	return els
}

// extractASCII returns the decoded text payload of an ASCII_MSG_LEN
// element, if any, for logging/persistence.
func extractASCII(els []frame.Element) []byte {
	for _, el := range els {
		if el.Kind == frame.KindASCIIMsgLen {
			return el.ASCII
		}
	}
	return nil
}

// extractPedThr returns the PEDTHR_LIST element, if any, for the `LIST
// ped`/`LIST thr` capture path (spec.md §8 S1).
func extractPedThr(els []frame.Element) *frame.Element {
	for i := range els {
		if els[i].Kind == frame.KindPedThrList {
			return &els[i]
		}
	}
	return nil
}
