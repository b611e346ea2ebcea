package resilience

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Severity ranks a reported error for the presentation layer.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Category groups reported errors by the kind of failure they represent.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryTimeout    Category = "timeout"
	CategoryServer     Category = "server"
	CategoryRateLimit  Category = "rate_limit"
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryCircuit    Category = "circuit"
	CategoryClient     Category = "client"
	CategoryUnknown    Category = "unknown"
)

// ReportID identifies a reported error record.
type ReportID string

// ReportedError is one deduplicated failure record. Records are value
// copies when handed to listeners; the reporter owns the originals.
type ReportedError struct {
	ID          ReportID
	Fingerprint string
	Message     string
	Kind        Kind
	Context     string
	FirstSeen   time.Time
	LastSeen    time.Time
	Occurrences int
	Severity    Severity
	Category    Category
	Handled     bool
}

// ErrorReporter ingests failures, deduplicates them by fingerprint,
// throttles high-frequency repeats, categorizes them, and fans out to
// subscribers. It never returns an error itself: reporting is fire and
// forget.
type ErrorReporter struct {
	config *ReporterConfig
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	reports       []*ReportedError // most recent first
	byFingerprint map[string]*ReportedError

	windowStart time.Time
	windowTotal int
	windowPerFP map[string]int

	listeners    map[int]func(ReportedError)
	nextListener int
}

// NewErrorReporter creates a reporter configured by the provided options.
func NewErrorReporter(opts ...ReporterOption) *ErrorReporter {
	config := DefaultReporterConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &ErrorReporter{
		config:        config,
		logger:        config.Logger,
		now:           config.Clock,
		byFingerprint: make(map[string]*ReportedError),
		windowPerFP:   make(map[string]int),
		listeners:     make(map[int]func(ReportedError)),
	}
}

// Report ingests a failure. Identical failures (same kind, message, call
// site, and context prefix) share one record whose occurrence count grows.
// Within a throttle window, repeats beyond the per-fingerprint or global
// cap are absorbed silently: counted on the existing record but never
// surfaced to listeners. Returns the record's ID, or "" when a throttled
// failure had no existing record. An empty kind is classified from err.
func (r *ErrorReporter) Report(err error, kind Kind, reportCtx string) ReportID {
	if err == nil {
		return ""
	}
	if kind == "" {
		kind = Classify(err)
	}

	message := err.Error()
	fp := fingerprint(kind, message, stackPrefix(1, 3), reportCtx)
	now := r.now()

	r.mu.Lock()

	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= r.config.ThrottleWindow {
		r.windowStart = now
		r.windowTotal = 0
		r.windowPerFP = make(map[string]int)
	}

	if r.windowTotal >= r.config.MaxPerWindow || r.windowPerFP[fp] >= r.config.MaxPerFingerprint {
		if rec, ok := r.byFingerprint[fp]; ok {
			rec.Occurrences++
			rec.LastSeen = now
			id := rec.ID
			r.mu.Unlock()
			return id
		}
		r.mu.Unlock()
		return ""
	}

	r.windowTotal++
	r.windowPerFP[fp]++

	if rec, ok := r.byFingerprint[fp]; ok {
		rec.Occurrences++
		rec.LastSeen = now
		r.moveToFront(rec)
		snapshot := *rec
		listeners := r.listenerSnapshot()
		r.mu.Unlock()

		r.notify(listeners, snapshot)
		return snapshot.ID
	}

	severity, category := classifyReport(kind, message)
	rec := &ReportedError{
		ID:          ReportID(uuid.NewString()),
		Fingerprint: fp,
		Message:     message,
		Kind:        kind,
		Context:     reportCtx,
		FirstSeen:   now,
		LastSeen:    now,
		Occurrences: 1,
		Severity:    severity,
		Category:    category,
	}

	r.reports = append(r.reports, nil)
	copy(r.reports[1:], r.reports)
	r.reports[0] = rec
	r.byFingerprint[fp] = rec

	// The ordered list and the fingerprint map stay in sync: eviction
	// removes the oldest record from both.
	if r.config.MaxReports > 0 && len(r.reports) > r.config.MaxReports {
		oldest := r.reports[len(r.reports)-1]
		r.reports = r.reports[:len(r.reports)-1]
		delete(r.byFingerprint, oldest.Fingerprint)
	}

	snapshot := *rec
	listeners := r.listenerSnapshot()
	r.mu.Unlock()

	r.logger.Debug("error reported",
		"id", string(rec.ID),
		"kind", string(kind),
		"severity", string(severity),
		"category", string(category))

	r.notify(listeners, snapshot)
	return rec.ID
}

// Subscribe registers a listener invoked synchronously on every new or
// consolidated report. The returned function unsubscribes it.
func (r *ErrorReporter) Subscribe(fn func(ReportedError)) func() {
	r.mu.Lock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// listenerSnapshot copies the listener set. Caller holds r.mu.
func (r *ErrorReporter) listenerSnapshot() []func(ReportedError) {
	out := make([]func(ReportedError), 0, len(r.listeners))
	for _, fn := range r.listeners {
		out = append(out, fn)
	}
	return out
}

// notify runs listeners outside the reporter lock. A panicking listener
// neither stops the others nor corrupts reporter state.
func (r *ErrorReporter) notify(listeners []func(ReportedError), rec ReportedError) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("error listener panicked",
						"panic", p,
						"report", string(rec.ID))
				}
			}()
			fn(rec)
		}()
	}
}

// moveToFront moves rec to the head of the ordered list. Caller holds r.mu.
func (r *ErrorReporter) moveToFront(rec *ReportedError) {
	for i, candidate := range r.reports {
		if candidate == rec {
			copy(r.reports[1:i+1], r.reports[:i])
			r.reports[0] = rec
			return
		}
	}
}

// Recent returns copies of the most recent records, newest first. A
// non-positive n returns all of them.
func (r *ErrorReporter) Recent(n int) []ReportedError {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.reports) {
		n = len(r.reports)
	}
	out := make([]ReportedError, n)
	for i := 0; i < n; i++ {
		out[i] = *r.reports[i]
	}
	return out
}

// Len returns the number of records currently held.
func (r *ErrorReporter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

// MarkHandled flags a record as handled by the presentation layer.
// Returns false when no record with that ID exists.
func (r *ErrorReporter) MarkHandled(id ReportID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.reports {
		if rec.ID == id {
			rec.Handled = true
			return true
		}
	}
	return false
}

// Reset drops all records and throttle state. Listeners stay registered.
func (r *ErrorReporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reports = nil
	r.byFingerprint = make(map[string]*ReportedError)
	r.windowStart = time.Time{}
	r.windowTotal = 0
	r.windowPerFP = make(map[string]int)
}

// fingerprintContextLimit bounds how much caller context feeds the
// fingerprint; beyond this, differing contexts still dedup together.
const fingerprintContextLimit = 128

// fingerprint derives the dedup key for a failure.
func fingerprint(kind Kind, message, stack, reportCtx string) string {
	if len(reportCtx) > fingerprintContextLimit {
		reportCtx = reportCtx[:fingerprintContextLimit]
	}

	h := xxhash.New()
	_, _ = h.WriteString(string(kind))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(message)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(stack)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(reportCtx)
	return fmt.Sprintf("%016x", h.Sum64())
}

// stackPrefix renders the first n call frames above the reporter, so
// the same failure reported from the same site fingerprints identically.
func stackPrefix(skip, n int) string {
	pcs := make([]uintptr, n)
	got := runtime.Callers(skip+2, pcs)
	if got == 0 {
		return ""
	}

	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:got])
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&b, "%s;", frame.Function)
		if !more {
			break
		}
	}
	return b.String()
}

// classifyReport derives severity and category from the error kind and
// message heuristics.
func classifyReport(kind Kind, message string) (Severity, Category) {
	lower := strings.ToLower(message)

	switch {
	case kind == KindTimeout || strings.Contains(lower, "timeout"):
		return SeverityWarning, CategoryTimeout
	case kind == KindCircuitOpen:
		return SeverityWarning, CategoryCircuit
	case kind == KindAuth:
		return SeverityError, CategoryAuth
	case kind == KindValidation:
		return SeverityInfo, CategoryValidation
	case kind == KindRateLimited:
		return SeverityWarning, CategoryRateLimit
	case kind == KindServer,
		strings.Contains(lower, "database"),
		strings.Contains(lower, "internal server"):
		return SeverityCritical, CategoryServer
	case kind == KindNetwork || kind == KindDNS:
		return SeverityWarning, CategoryNetwork
	case kind == KindClient:
		return SeverityInfo, CategoryClient
	default:
		return SeverityError, CategoryUnknown
	}
}
