// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

// Package runid mints a process-lifetime correlation id and renders the
// human-facing run-number file-naming scheme of spec.md §6 (`R<NNNNN>`).
package runid

import (
	"fmt"

	"github.com/rs/xid"
)

// ID is a globally unique, k-sortable identifier for one process run,
// attached to log lines and metric labels for the lifetime of the
// process (spec.md §9 supplemented feature, SPEC_FULL.md §4.12).
type ID struct {
	xid xid.ID
	run int
}

// New mints a fresh correlation id for run number run.
func New(run int) ID {
	return ID{xid: xid.New(), run: run}
}

// String renders the xid correlation id.
func (i ID) String() string {
	return i.xid.String()
}

// RunTag renders the 5-digit run-number file-naming prefix, e.g. "R00042".
func (i ID) RunTag() string {
	return fmt.Sprintf("R%05d", i.run)
}

// FileName joins the run tag, a descriptive suffix, and an extension into
// the on-disk naming scheme of spec.md §6.
func (i ID) FileName(suffix, ext string) string {
	if suffix == "" {
		return fmt.Sprintf("%s.%s", i.RunTag(), ext)
	}
	return fmt.Sprintf("%s_%s.%s", i.RunTag(), suffix, ext)
}
