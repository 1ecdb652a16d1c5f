// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

package sinks

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dcalvet/feminos-daqhost/internal/runid"
	"github.com/dcalvet/feminos-daqhost/pkg/frame"
	"github.com/sirupsen/logrus"
)

// DiskSink appends forwarded buffers to a binary file, rotating to a new
// file once the configured MiB-per-file boundary is crossed (spec.md
// §4.5.4, §6 `file_chunk`).
type DiskSink struct {
	dir        string
	run        runid.ID
	chunkBytes int64
	log        *logrus.Logger

	file      *os.File
	w         *bufio.Writer
	written   int64
	fileIndex int
}

// NewDiskSink constructs a sink rooted at dir, rotating every chunkMiB
// megabytes.
func NewDiskSink(dir string, run runid.ID, chunkMiB int, log *logrus.Logger) *DiskSink {
	return &DiskSink{
		dir:        dir,
		run:        run,
		chunkBytes: int64(chunkMiB) * 1024 * 1024,
		log:        log,
	}
}

// Open creates (or rotates to) the current output file.
func (d *DiskSink) Open() error {
	return d.rotate()
}

func (d *DiskSink) rotate() error {
	if d.w != nil {
		d.w.Flush()
	}
	if d.file != nil {
		d.file.Close()
	}
	name := d.run.FileName(fmt.Sprintf("%03d", d.fileIndex), "aqs")
	path := filepath.Join(d.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sinks: create %s: %w", path, err)
	}
	d.file = f
	d.w = bufio.NewWriter(f)
	d.written = 0
	d.fileIndex++

	if err := d.writeHeader(); err != nil {
		return fmt.Errorf("sinks: writing header to %s: %w", path, err)
	}
	return nil
}

// writeHeader emits the run-name/start-timestamp ASCII_MSG_LEN prefix
// every `.aqs` file must begin with (spec.md §6 "Disk output formats").
// It does not count against the chunk rotation boundary.
func (d *DiskSink) writeHeader() error {
	payload := []byte(d.run.RunTag())
	ts := make([]byte, 4)
	binary.LittleEndian.PutUint32(ts, uint32(time.Now().Unix()))
	payload = append(payload, ts...)
	_, err := d.w.Write(frame.EncodeASCIIMsg(string(payload)))
	return err
}

// Dispatch implements evbuilder.Sink: re-prefixes body with its own
// 16-bit length (evbuilder strips the wire length word before forwarding
// to sinks) and appends it, rotating first if the write would split the
// frame across the chunk boundary.
func (d *DiskSink) Dispatch(source int, body []byte) {
	if d.w == nil {
		return
	}
	record := 2 + len(body)
	if d.chunkBytes > 0 && d.written+int64(record) > d.chunkBytes {
		if err := d.rotate(); err != nil {
			d.log.WithError(err).Error("sinks: disk rotation failed")
			return
		}
	}
	var lenPrefix [2]byte
	binary.LittleEndian.PutUint16(lenPrefix[:], uint16(len(body)))
	if _, err := d.w.Write(lenPrefix[:]); err != nil {
		d.log.WithError(err).Error("sinks: disk write failed")
		return
	}
	n, err := d.w.Write(body)
	if err != nil {
		d.log.WithError(err).Error("sinks: disk write failed")
		return
	}
	d.written += int64(2 + n)
}

// StartOfBuiltEvent implements evbuilder.Sink; the disk sink has no
// per-event framing, so this is a no-op.
func (d *DiskSink) StartOfBuiltEvent() {}

// EndOfBuiltEvent implements evbuilder.Sink; see StartOfBuiltEvent.
func (d *DiskSink) EndOfBuiltEvent() {}

// Close flushes and closes the current output file.
func (d *DiskSink) Close() error {
	if d.w != nil {
		if err := d.w.Flush(); err != nil {
			return err
		}
	}
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
