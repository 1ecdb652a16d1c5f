// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

// Package cmdfetcher reads a command script or stdin, interprets local
// control directives, and drives the FEM Array through request/reply
// rendezvous cycles (spec.md §4.6).
package cmdfetcher

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dcalvet/feminos-daqhost/internal/evbuilder"
	"github.com/sirupsen/logrus"
)

// Driver is the narrow contract the fetcher needs from the FEM Array: fan
// out a command and wait for its rendezvous, progress a DAQ session, or
// arm one-shot fault injection / capture state (spec.md §4.6, §4.15).
type Driver interface {
	SendCommand(begin, end, pattern int, cmd string) error
	SendDaq(begin, end, pattern int, arg int64)
	DaqSizeLeft() uint64
	DropNextCredit()
	DelayNextCredit(d time.Duration)
	ResetStats(begin, end, pattern int)
	ArmListCapture(kind string, count int, dir string)
}

// EventBuilderSetter is the narrow contract for the `event_builder`
// directive.
type EventBuilderSetter interface {
	SetMode(mode evbuilder.Mode)
}

var multiLineComment = regexp.MustCompile(`(?s)/\*.*?\*/`)

// Preprocess strips comments and blank lines from a raw script, and
// prepends/appends the bracketing commands spec.md §4.6 describes,
// unless isPedOrStart suppresses the timestamp/event-count reset (the
// original source's `ped`/`start` exemption).
func Preprocess(raw string, isPedOrStart bool) []string {
	raw = multiLineComment.ReplaceAllString(raw, "")
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		out = append(out, line)
	}
	if !isPedOrStart {
		out = append([]string{"clr tstamp", "clr evcnt"}, out...)
	}
	if len(out) == 0 || !strings.EqualFold(out[len(out)-1], "END") {
		out = append(out, "END")
	}
	return out
}

// loopFrame tracks one active LOOP block (spec.md §4.6 `LOOP`/`NEXT`).
type loopFrame struct {
	head  int // index of the line after LOOP
	index int
	limit int
}

// Fetcher drives script execution against a Driver.
type Fetcher struct {
	drv Driver
	eb  EventBuilderSetter
	log *logrus.Logger

	femBegin, femEnd, femPattern int
	verbose                      int
	vflags                       uint32
	outputDir                    string
	fileChunkMiB                 int

	lines []string
	pc    int
	loops []loopFrame
}

// New constructs a Fetcher targeting every card in [0, numFEMs) by
// default.
func New(drv Driver, eb EventBuilderSetter, numFEMs int, log *logrus.Logger) *Fetcher {
	return &Fetcher{
		drv:          drv,
		eb:           eb,
		log:          log,
		femBegin:     0,
		femEnd:       numFEMs - 1,
		femPattern:   (1 << uint(numFEMs)) - 1,
		fileChunkMiB: 100,
		outputDir:    ".",
	}
}

// RunScript preprocesses and executes a full script.
func (f *Fetcher) RunScript(raw string, isPedOrStart bool) error {
	f.lines = Preprocess(raw, isPedOrStart)
	f.pc = 0
	for f.pc < len(f.lines) {
		line := f.lines[f.pc]
		f.pc++
		if err := f.exec(line); err != nil {
			if err == errEnd {
				return nil
			}
			return err
		}
	}
	return nil
}

// RunInteractive reads commands from r (normally stdin), prompting with
// "(idx) >" per spec.md §4.6, until EOF or `exit`/`quit`.
func (f *Fetcher) RunInteractive(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	for {
		fmt.Fprintf(w, "(%d) > ", f.femBegin)
		if !sc.Scan() {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := f.exec(line); err != nil {
			if err == errEnd || err == errExit {
				return nil
			}
			fmt.Fprintln(w, "error:", err)
		}
	}
}

var errEnd = fmt.Errorf("cmdfetcher: END reached")
var errExit = fmt.Errorf("cmdfetcher: exit requested")

// exec interprets one line: either a local control directive or a
// command forwarded to the FEM Array.
func (f *Fetcher) exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	directive := strings.ToLower(fields[0])

	switch directive {
	case "end":
		return errEnd
	case "exit", "quit":
		return errExit
	case "sleep":
		if len(fields) < 2 {
			return fmt.Errorf("cmdfetcher: sleep requires N")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("cmdfetcher: sleep: %w", err)
		}
		time.Sleep(time.Duration(n) * time.Second)
		return nil
	case "fem":
		return f.setFemSelection(fields)
	case "verbose":
		if len(fields) < 2 {
			return fmt.Errorf("cmdfetcher: verbose requires a level")
		}
		lvl, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("cmdfetcher: verbose: %w", err)
		}
		f.verbose = lvl
		return nil
	case "vflags":
		if len(fields) < 2 {
			return fmt.Errorf("cmdfetcher: vflags requires a mask")
		}
		v, err := parseHexOrDec(fields[1])
		if err != nil {
			return err
		}
		f.vflags = uint32(v)
		return nil
	case "path":
		if len(fields) < 2 {
			return fmt.Errorf("cmdfetcher: path requires a directory")
		}
		f.outputDir = fields[1]
		return nil
	case "file_chunk":
		if len(fields) < 2 {
			return fmt.Errorf("cmdfetcher: file_chunk requires a size in MiB")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("cmdfetcher: file_chunk: %w", err)
		}
		f.fileChunkMiB = n
		return nil
	case "event_builder":
		if len(fields) < 2 {
			return fmt.Errorf("cmdfetcher: event_builder requires a mode 0..15")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 || n > 15 {
			return fmt.Errorf("cmdfetcher: event_builder mode must be 0..15")
		}
		f.eb.SetMode(evbuilder.Mode(n))
		return nil
	case "loop":
		return f.beginLoop(fields)
	case "next":
		return f.loopNext()
	case "daq":
		return f.sendDaq(fields)
	case "credits":
		return f.credits(fields)
	case "drop":
		f.drv.DropNextCredit()
		return nil
	case "delay":
		return f.delay(fields)
	case "list":
		return f.listCapture(fields)
	case "exec", "fopen", "fclose":
		// Accepted and ignored: exec loads no script, and fopen/fclose do
		// not open or close the disk sink. None is sent as a wire command.
		return nil
	default:
		return f.sendCommand(line)
	}
}

func (f *Fetcher) setFemSelection(fields []string) error {
	if len(fields) < 2 {
		return fmt.Errorf("cmdfetcher: fem requires an index, mask, or *")
	}
	arg := fields[1]
	switch {
	case arg == "*":
		f.femBegin, f.femEnd = 0, 31
		f.femPattern = -1 // all bits set
	case strings.HasPrefix(arg, "0x"):
		v, err := strconv.ParseInt(arg[2:], 16, 64)
		if err != nil {
			return fmt.Errorf("cmdfetcher: fem mask: %w", err)
		}
		f.femBegin, f.femEnd = 0, 31
		f.femPattern = int(v)
	default:
		i, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("cmdfetcher: fem index: %w", err)
		}
		f.femBegin, f.femEnd = i, i
		f.femPattern = 1 << uint(i)
	}
	return nil
}

func parseHexOrDec(s string) (int64, error) {
	if strings.HasPrefix(s, "0x") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	return strconv.ParseInt(s, 10, 64)
}

func (f *Fetcher) beginLoop(fields []string) error {
	var limit int
	switch {
	case len(fields) == 2:
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("cmdfetcher: LOOP N: %w", err)
		}
		limit = n
	case len(fields) == 4 && strings.EqualFold(fields[2], "TO"):
		a, err1 := strconv.Atoi(fields[1])
		b, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("cmdfetcher: LOOP A TO B: invalid bounds")
		}
		limit = b - a
	default:
		return fmt.Errorf("cmdfetcher: malformed LOOP directive")
	}
	f.loops = append(f.loops, loopFrame{head: f.pc, index: 0, limit: limit})
	return nil
}

func (f *Fetcher) loopNext() error {
	if len(f.loops) == 0 {
		return fmt.Errorf("cmdfetcher: NEXT without LOOP")
	}
	top := &f.loops[len(f.loops)-1]
	top.index++
	if top.index < top.limit {
		f.pc = top.head
		return nil
	}
	f.loops = f.loops[:len(f.loops)-1]
	return nil
}

// loopIndexHex renders the innermost active loop's current index in hex
// for `$loop` substitution (spec.md §4.6).
func (f *Fetcher) loopIndexHex() string {
	if len(f.loops) == 0 {
		return "0x0"
	}
	return fmt.Sprintf("0x%x", f.loops[len(f.loops)-1].index)
}

// substituteLoop replaces a trailing `$loop` argument with the current
// loop index in hex.
func substituteLoop(fields []string, hex string) []string {
	out := make([]string, len(fields))
	copy(out, fields)
	for i := len(out) - 1; i >= 0 && i >= len(out)-2; i-- {
		if out[i] == "$loop" {
			out[i] = hex
		}
	}
	return out
}

func (f *Fetcher) sendCommand(line string) error {
	fields := substituteLoop(strings.Fields(line), f.loopIndexHex())
	cmd := strings.Join(fields, " ")
	return f.drv.SendCommand(f.femBegin, f.femEnd, f.femPattern, cmd)
}

// credits implements `credits show`/`credits restore` (spec.md §4.6).
// `show` does nothing and prints nothing. `restore` clears the selected
// proxies' cumulative counters, mirroring the original source's
// FemProxy_MsgStatClear; its C, T and F|B arguments are not parsed, and
// credit values, thresholds and the credit unit are left unchanged.
func (f *Fetcher) credits(fields []string) error {
	if len(fields) >= 2 && strings.EqualFold(fields[1], "restore") {
		f.drv.ResetStats(f.femBegin, f.femEnd, f.femPattern)
	}
	return nil
}

// delay implements `delay credit [N_ms]`, defaulting to 1000ms when no
// argument is given (spec.md §4.15, original source's delay_a_credit).
func (f *Fetcher) delay(fields []string) error {
	d := 1000 * time.Millisecond
	if len(fields) >= 3 {
		if n, err := strconv.Atoi(fields[2]); err == nil {
			d = time.Duration(n) * time.Millisecond
		}
	}
	f.drv.DelayNextCredit(d)
	return nil
}

// selectedCount reports how many proxies the current fem selection
// covers, for list_fr_cnt (spec.md §8 S1, original source's cur_fem_cnt).
func (f *Fetcher) selectedCount() int {
	n := 0
	for i := f.femBegin; i <= f.femEnd; i++ {
		if f.femPattern&(1<<uint(i)) != 0 {
			n++
		}
	}
	return n
}

// listCapture implements `LIST ped`/`LIST thr`: arms the array to save
// the next selectedCount() PEDTHR_LIST replies to a timestamped file,
// then posts the rewritten "list ped"/"list thr" wire command (spec.md
// §8 S1, original source's CmdFetcher_Main "LIST" branch).
func (f *Fetcher) listCapture(fields []string) error {
	if len(fields) < 2 {
		return fmt.Errorf("cmdfetcher: LIST requires ped or thr")
	}
	kind := strings.ToLower(fields[1])
	if kind != "ped" && kind != "thr" {
		return fmt.Errorf("cmdfetcher: LIST: unknown target %q", fields[1])
	}
	f.drv.ArmListCapture(kind, f.selectedCount(), f.outputDir)
	return f.drv.SendCommand(f.femBegin, f.femEnd, f.femPattern, "list "+kind)
}

func (f *Fetcher) sendDaq(fields []string) error {
	if len(fields) < 2 {
		return fmt.Errorf("cmdfetcher: daq requires an argument")
	}
	arg, err := strconv.ParseInt(fields[1], 0, 64)
	if err != nil {
		return fmt.Errorf("cmdfetcher: daq: %w", err)
	}
	f.drv.SendDaq(f.femBegin, f.femEnd, f.femPattern, arg)
	// daq returns immediately; only a non-blocking check of daq_size_left
	// on this pass breaks the enclosing loop (spec.md §4.6; original
	// source's CmdFetcher_Main checks fa->daq_size_left without waiting).
	// The loop index is set to its limit so the next NEXT falls through.
	if arg > 0 && f.drv.DaqSizeLeft() == 0 && len(f.loops) > 0 {
		top := &f.loops[len(f.loops)-1]
		top.index = top.limit
	}
	return nil
}
