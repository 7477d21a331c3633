// Package diag holds the virtual memory subsystem's diagnostics:
// atomic event counters, a snapshot aggregator, a locale-formatted
// textual report, a pprof profile writer, and a fault traceback
// dumper. None of it is on any fault-handling path's required
// behavior; counter increments are skipped at run time while Enabled
// is false. This package stays a leaf: it never imports frame, tlb or
// fault, so those packages instead hold an optional nil-safe
// *Counters field and this package's Snapshot takes their readings as
// plain values.
package diag

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Enabled gates counter increments, mirroring stats.Stats/stats.Timing
// build-time switches, kept here as a runtime var instead since this
// module has no separate debug build.
var Enabled = false

// Counters is the VM subsystem's event tally. Every field is updated
// with atomic ops so it may be embedded in long-lived shared state
// (frame.Table, fault.Handler) without its own lock. Page faults are
// broken down by outcome rather than kept as one generic total,
// matching spec.md §4.8's {demand-zero, COW-split, protection-fault,
// OOM} categories.
type Counters struct {
	DemandZero       int64
	CowSplits        int64
	ProtectionFaults int64
	OOM              int64
	FramesAllocated  int64
	FramesFreed      int64
	TlbRefills       int64
	TlbShootdowns    int64
}

func incr(p *int64) {
	if Enabled {
		atomic.AddInt64(p, 1)
	}
}

// Every Inc method tolerates a nil receiver, so callers may hold an
// optional *Counters field and skip allocating one when diagnostics
// are not wanted.
func (c *Counters) IncDemandZero() {
	if c != nil {
		incr(&c.DemandZero)
	}
}
func (c *Counters) IncCowSplit() {
	if c != nil {
		incr(&c.CowSplits)
	}
}
func (c *Counters) IncProtectionFault() {
	if c != nil {
		incr(&c.ProtectionFaults)
	}
}
func (c *Counters) IncOOM() {
	if c != nil {
		incr(&c.OOM)
	}
}
func (c *Counters) IncFrameAllocated() {
	if c != nil {
		incr(&c.FramesAllocated)
	}
}
func (c *Counters) IncFrameFreed() {
	if c != nil {
		incr(&c.FramesFreed)
	}
}
func (c *Counters) IncTlbRefill() {
	if c != nil {
		incr(&c.TlbRefills)
	}
}
func (c *Counters) IncTlbShootdown() {
	if c != nil {
		incr(&c.TlbShootdowns)
	}
}

// Report is a point-in-time copy of Counters, plus the gauge-like
// values (free frame count, TLB clock-hand position) that have no
// running total of their own. Safe to format or hand to WriteProfile
// without racing further increments.
type Report struct {
	DemandZero       int64
	CowSplits        int64
	ProtectionFaults int64
	OOM              int64
	FramesAllocated  int64
	FramesFreed      int64
	TlbRefills       int64
	TlbShootdowns    int64

	FramesFree int
	ClockHand  int
}

// PageFaults is the total of every fault outcome category.
func (r Report) PageFaults() int64 {
	return r.DemandZero + r.CowSplits + r.ProtectionFaults + r.OOM
}

// snapshot reads every counter field with atomic loads. A nil c
// yields a zero Report, matching the nil-safe Inc methods above.
func (c *Counters) snapshot() Report {
	if c == nil {
		return Report{}
	}
	return Report{
		DemandZero:       atomic.LoadInt64(&c.DemandZero),
		CowSplits:        atomic.LoadInt64(&c.CowSplits),
		ProtectionFaults: atomic.LoadInt64(&c.ProtectionFaults),
		OOM:              atomic.LoadInt64(&c.OOM),
		FramesAllocated:  atomic.LoadInt64(&c.FramesAllocated),
		FramesFreed:      atomic.LoadInt64(&c.FramesFreed),
		TlbRefills:       atomic.LoadInt64(&c.TlbRefills),
		TlbShootdowns:    atomic.LoadInt64(&c.TlbShootdowns),
	}
}

// Snapshot exposes c's counter reading directly; callers that also
// want the gauge fields populated should go through the package-level
// Snapshot below instead.
func (c *Counters) Snapshot() Report {
	return c.snapshot()
}

// Snapshot aggregates c's counters with the frame table's current
// free count and the TLB device's current clock-hand position
// (spec.md §4.8). It takes plain values rather than *frame.Table and
// *tlb.Device so this package never imports the subsystems it
// measures; callers such as the vm facade, which already hold both
// collaborators, pass their live readings in.
func Snapshot(c *Counters, framesFree, clockHand int) Report {
	r := c.snapshot()
	r.FramesFree = framesFree
	r.ClockHand = clockHand
	return r
}

// FormatReport renders r as a locale-formatted multi-line string, the
// modern replacement for a reflect-driven Stats2String: fields are
// named explicitly since Report has no mix of counter types to
// discriminate by reflection.
func FormatReport(tag language.Tag, r Report) string {
	p := message.NewPrinter(tag)
	return p.Sprintf(
		"page faults: %d (demand-zero: %d, cow-split: %d, protection: %d, oom: %d)\n"+
			"\tframes allocated: %d\n\tframes freed: %d\n\tframes free: %d\n"+
			"\ttlb refills: %d\n\ttlb shootdowns: %d\n\ttlb clock hand: %d\n",
		r.PageFaults(), r.DemandZero, r.CowSplits, r.ProtectionFaults, r.OOM,
		r.FramesAllocated, r.FramesFreed, r.FramesFree,
		r.TlbRefills, r.TlbShootdowns, r.ClockHand,
	)
}

// profileFor encodes r as a pprof profile with one sample per
// counter, so the VM subsystem's event tallies can be inspected with
// ordinary pprof tooling alongside CPU/heap profiles.
func profileFor(r Report) *profile.Profile {
	valueType := &profile.ValueType{Type: "count", Unit: "count"}

	names := []string{"demand_zero", "cow_splits", "protection_faults", "oom", "frames_allocated", "frames_freed", "tlb_refills", "tlb_shootdowns"}
	values := []int64{r.DemandZero, r.CowSplits, r.ProtectionFaults, r.OOM, r.FramesAllocated, r.FramesFreed, r.TlbRefills, r.TlbShootdowns}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{valueType},
		TimeNanos:  time.Now().UnixNano(),
	}
	for i, name := range names {
		fn := &profile.Function{ID: uint64(i + 1), Name: name}
		loc := &profile.Location{ID: uint64(i + 1), Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{values[i]},
		})
	}
	return p
}

// WriteProfile encodes r as a pprof profile and writes it to w
// (gzipped, per profile.Profile.Write), so a report can be inspected
// post-mortem after an ENOMEM is reported (spec.md §7's "is reported,
// not recovered" — the profile is the report).
func WriteProfile(w io.Writer, r Report) error {
	return profileFor(r).Write(w)
}

// FaultTrace renders the call stack starting at the given skip depth,
// for inclusion alongside a fatal fault's error message. Rewritten
// from a runtime.Caller loop (caller.Callerdump) to use
// runtime.CallersFrames instead, which resolves inlined frames that
// runtime.Caller alone would miss.
func FaultTrace(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	s := ""
	for {
		fr, more := frames.Next()
		line := fmt.Sprintf("%s:%d\n", fr.File, fr.Line)
		if s == "" {
			s = line
		} else {
			s += "\t<-" + line
		}
		if !more {
			break
		}
	}
	return s
}
