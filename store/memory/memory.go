// Package memory provides an in-memory store implementing every persistence
// interface in the engine. Used for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/brightwave/enrolment-engine/billing"
	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/coverage"
	"github.com/brightwave/enrolment-engine/enrolment"
	"github.com/brightwave/enrolment-engine/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store holds everything in maps guarded by one RWMutex. WithTx snapshots
// the maps and restores them on error; the lock is not held while the
// transaction body runs, so the body is free to call back into the store.
type Store struct {
	mu sync.RWMutex

	enrolments    map[string]enrolment.Enrolment
	plans         map[string]enrolment.Plan
	templates     map[string]calendar.Template
	holidays      map[string]calendar.Holiday
	cancellations map[string]calendar.Cancellation

	events    map[string][]ledger.Event // by enrolment ID, ordered
	eventKeys map[string]bool

	audits map[string][]coverage.Audit // by enrolment ID, append order

	invoices    map[string]billing.Invoice
	payments    map[string]billing.Payment
	allocations map[string]billing.Allocation
	settlements map[string]billing.Settlement

	txMu sync.Mutex // serializes WithTx bodies
}

func New() *Store {
	return &Store{
		enrolments:    make(map[string]enrolment.Enrolment),
		plans:         make(map[string]enrolment.Plan),
		templates:     make(map[string]calendar.Template),
		holidays:      make(map[string]calendar.Holiday),
		cancellations: make(map[string]calendar.Cancellation),
		events:        make(map[string][]ledger.Event),
		eventKeys:     make(map[string]bool),
		audits:        make(map[string][]coverage.Audit),
		invoices:      make(map[string]billing.Invoice),
		payments:      make(map[string]billing.Payment),
		allocations:   make(map[string]billing.Allocation),
		settlements:   make(map[string]billing.Settlement),
	}
}

// =============================================================================
// ENROLMENTS, PLANS, TEMPLATES
// =============================================================================

func (m *Store) GetEnrolment(_ context.Context, id string) (*enrolment.Enrolment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.enrolments[id]
	if !ok {
		return nil, enrolment.ErrEnrolmentNotFound
	}
	return cloneEnrolment(e), nil
}

func (m *Store) SaveEnrolment(_ context.Context, e enrolment.Enrolment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrolments[e.ID] = *cloneEnrolment(e)
	return nil
}

func (m *Store) EnrolmentsByGroup(_ context.Context, billingGroupID string) ([]enrolment.Enrolment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []enrolment.Enrolment
	for _, e := range m.enrolments {
		if e.BillingGroupID == billingGroupID || e.ID == billingGroupID {
			out = append(out, *cloneEnrolment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Store) ListEnrolments(_ context.Context) ([]enrolment.Enrolment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]enrolment.Enrolment, 0, len(m.enrolments))
	for _, e := range m.enrolments {
		out = append(out, *cloneEnrolment(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) CountActiveByTemplate(_ context.Context, templateID string, on calendar.DayKey) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.enrolments {
		if e.ActiveOn(on) && e.HasTemplate(templateID) {
			count++
		}
	}
	return count, nil
}

func (m *Store) GetPlan(_ context.Context, id string) (*enrolment.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, enrolment.ErrPlanNotFound
	}
	return &p, nil
}

func (m *Store) SavePlan(_ context.Context, p enrolment.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
	return nil
}

func (m *Store) GetTemplate(_ context.Context, id string) (*calendar.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, enrolment.ErrTemplateNotFound
	}
	return &t, nil
}

func (m *Store) ListTemplates(_ context.Context) ([]calendar.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]calendar.Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) SaveTemplate(_ context.Context, t calendar.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.ID] = t
	return nil
}

// =============================================================================
// CALENDAR
// =============================================================================

func (m *Store) ListHolidays(_ context.Context) ([]calendar.Holiday, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]calendar.Holiday, 0, len(m.holidays))
	for _, h := range m.holidays {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Store) SaveHoliday(_ context.Context, h calendar.Holiday) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holidays[h.ID] = h
	return nil
}

func (m *Store) DeleteHoliday(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.holidays[id]; !ok {
		return enrolment.ErrHolidayNotFound
	}
	delete(m.holidays, id)
	return nil
}

func (m *Store) ListCancellations(_ context.Context, templateIDs []string) ([]calendar.Cancellation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(templateIDs))
	for _, id := range templateIDs {
		want[id] = true
	}
	var out []calendar.Cancellation
	for _, c := range m.cancellations {
		if len(templateIDs) == 0 || want[c.TemplateID] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Store) SaveCancellation(_ context.Context, c calendar.Cancellation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancellations[c.ID] = c
	return nil
}

func (m *Store) DeleteCancellation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancellations, id)
	return nil
}

// =============================================================================
// CREDIT EVENTS - Append-only
// =============================================================================

func (m *Store) AppendEvent(_ context.Context, ev ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(ev)
}

func (m *Store) AppendEvents(_ context.Context, evs []ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range evs {
		if ev.IdempotencyKey != "" && m.eventKeys[ev.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	for _, ev := range evs {
		if err := m.appendLocked(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *Store) appendLocked(ev ledger.Event) error {
	if ev.IdempotencyKey != "" {
		if m.eventKeys[ev.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		m.eventKeys[ev.IdempotencyKey] = true
	}

	evs := m.events[ev.EnrolmentID]
	i := sort.Search(len(evs), func(i int) bool {
		if !evs[i].OccurredOn.Equal(ev.OccurredOn) {
			return evs[i].OccurredOn.After(ev.OccurredOn)
		}
		return evs[i].CreatedAt.After(ev.CreatedAt)
	})
	evs = append(evs, ledger.Event{})
	copy(evs[i+1:], evs[i:])
	evs[i] = ev
	m.events[ev.EnrolmentID] = evs
	return nil
}

func (m *Store) Events(_ context.Context, enrolmentID string) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Event, len(m.events[enrolmentID]))
	copy(out, m.events[enrolmentID])
	return out, nil
}

func (m *Store) EventKeyExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventKeys[key], nil
}

// =============================================================================
// COVERAGE AUDITS - Append-only
// =============================================================================

func (m *Store) AppendAudit(_ context.Context, a coverage.Audit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits[a.EnrolmentID] = append(m.audits[a.EnrolmentID], a)
	return nil
}

func (m *Store) AuditsByEnrolment(_ context.Context, enrolmentID string) ([]coverage.Audit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]coverage.Audit, len(m.audits[enrolmentID]))
	copy(out, m.audits[enrolmentID])
	return out, nil
}

// =============================================================================
// INVOICES, PAYMENTS, SETTLEMENTS
// =============================================================================

func (m *Store) GetInvoice(_ context.Context, id string) (*billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	return cloneInvoice(inv), nil
}

func (m *Store) SaveInvoice(_ context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[inv.ID] = *cloneInvoice(inv)
	return nil
}

func (m *Store) OpenInvoicesByFamily(_ context.Context, familyID string) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Invoice
	for _, inv := range m.invoices {
		if inv.FamilyID == familyID && inv.Status.Open() {
			out = append(out, *cloneInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].IssuedAt.Before(out[j].IssuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Store) InvoicesByFamily(_ context.Context, familyID string) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Invoice
	for _, inv := range m.invoices {
		if inv.FamilyID == familyID {
			out = append(out, *cloneInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[j].IssuedAt.Before(out[i].IssuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Store) GetPayment(_ context.Context, id string) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	return &p, nil
}

func (m *Store) SavePayment(_ context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = p
	return nil
}

func (m *Store) PaymentByKey(_ context.Context, familyID, key string) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.FamilyID == familyID && p.IdempotencyKey == key {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Store) SaveAllocation(_ context.Context, a billing.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations[a.ID] = a
	return nil
}

func (m *Store) AllocationsByPayment(_ context.Context, paymentID string) ([]billing.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Allocation
	for _, a := range m.allocations {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	sortAllocations(out)
	return out, nil
}

func (m *Store) AllocationsByInvoice(_ context.Context, invoiceID string) ([]billing.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Allocation
	for _, a := range m.allocations {
		if a.InvoiceID == invoiceID {
			out = append(out, a)
		}
	}
	sortAllocations(out)
	return out, nil
}

func (m *Store) GetSettlement(_ context.Context, key string) (*billing.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settlements[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Store) SaveSettlement(_ context.Context, s billing.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[s.Key] = s
	return nil
}

// =============================================================================
// TRANSACTIONS - Snapshot and rollback
// =============================================================================

// WithTx runs fn with rollback-on-error semantics. The body calls back into
// the store through the normal methods, so the data lock is not held while
// fn runs; concurrent transactions are serialized by a separate mutex.
func (m *Store) WithTx(_ context.Context, fn func() error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	enrolments    map[string]enrolment.Enrolment
	plans         map[string]enrolment.Plan
	templates     map[string]calendar.Template
	holidays      map[string]calendar.Holiday
	cancellations map[string]calendar.Cancellation
	events        map[string][]ledger.Event
	eventKeys     map[string]bool
	audits        map[string][]coverage.Audit
	invoices      map[string]billing.Invoice
	payments      map[string]billing.Payment
	allocations   map[string]billing.Allocation
	settlements   map[string]billing.Settlement
}

func (m *Store) snapshot() snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshot{
		enrolments:    copyMap(m.enrolments),
		plans:         copyMap(m.plans),
		templates:     copyMap(m.templates),
		holidays:      copyMap(m.holidays),
		cancellations: copyMap(m.cancellations),
		events:        copySliceMap(m.events),
		eventKeys:     copyMap(m.eventKeys),
		audits:        copySliceMap(m.audits),
		invoices:      copyMap(m.invoices),
		payments:      copyMap(m.payments),
		allocations:   copyMap(m.allocations),
		settlements:   copyMap(m.settlements),
	}
}

func (m *Store) restore(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrolments = s.enrolments
	m.plans = s.plans
	m.templates = s.templates
	m.holidays = s.holidays
	m.cancellations = s.cancellations
	m.events = s.events
	m.eventKeys = s.eventKeys
	m.audits = s.audits
	m.invoices = s.invoices
	m.payments = s.payments
	m.allocations = s.allocations
	m.settlements = s.settlements
}

// =============================================================================
// HELPERS
// =============================================================================

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copySliceMap[K comparable, V any](in map[K][]V) map[K][]V {
	out := make(map[K][]V, len(in))
	for k, v := range in {
		s := make([]V, len(v))
		copy(s, v)
		out[k] = s
	}
	return out
}

func sortAllocations(allocs []billing.Allocation) {
	sort.Slice(allocs, func(i, j int) bool {
		if !allocs[i].CreatedAt.Equal(allocs[j].CreatedAt) {
			return allocs[i].CreatedAt.Before(allocs[j].CreatedAt)
		}
		return allocs[i].ID < allocs[j].ID
	})
}

func cloneEnrolment(e enrolment.Enrolment) *enrolment.Enrolment {
	out := e
	out.TemplateIDs = append([]string(nil), e.TemplateIDs...)
	out.End = cloneDay(e.End)
	out.PaidThrough = cloneDay(e.PaidThrough)
	out.PaidThroughComputed = cloneDay(e.PaidThroughComputed)
	return &out
}

func cloneInvoice(inv billing.Invoice) *billing.Invoice {
	out := inv
	out.LineItems = append([]billing.LineItem(nil), inv.LineItems...)
	out.CoverageStart = cloneDay(inv.CoverageStart)
	out.CoverageEnd = cloneDay(inv.CoverageEnd)
	return &out
}

func cloneDay(d *calendar.DayKey) *calendar.DayKey {
	if d == nil {
		return nil
	}
	out := *d
	return &out
}
