/*
handlers.go - HTTP API handlers for the enrolment billing engine

PURPOSE:
  Exposes the engine via REST. Handlers parse HTTP, validate input,
  delegate to domain logic (selector, recalculator, billing service), and
  serialize responses.

ENDPOINTS:
  Coverage:
    GET    /api/enrolments/{id}/billing-status  Snapshot at a day
    POST   /api/enrolments/{id}/recalculate     Guarded recalculation
    GET    /api/enrolments/{id}/credit-events   Ledger history
    GET    /api/enrolments/{id}/audits          Paid-through audit trail

  Changes:
    POST   /api/enrolments/{id}/change          Plan/class change + settlement

  Money:
    POST   /api/invoices                        Create invoice
    GET    /api/invoices/{id}
    POST   /api/payments                        Record + allocate payment
    POST   /api/payments/{id}/undo              Void and reverse
    DELETE /api/payments/{id}                   Void + soft delete

  Calendar admin:
    POST   /api/holidays       DELETE /api/holidays/{id}
    POST   /api/cancellations  DELETE /api/cancellations/{id}
    Both trigger recalculation for the enrolments they affect.

ERROR HANDLING:
  Errors are returned as JSON with the status the error category maps to:
  - 400: validation
  - 404: not found
  - 409: would-shorten, already-void
  - 422: capacity exceeded
  - 500: invariant violations, internal errors

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/brightwave/enrolment-engine/billing"
	"github.com/brightwave/enrolment-engine/calendar"
	"github.com/brightwave/enrolment-engine/coverage"
	"github.com/brightwave/enrolment-engine/enrolment"
	"github.com/brightwave/enrolment-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service  *billing.Service
	Selector *coverage.Selector
	Recalc   *coverage.Recalculator

	Enrolments enrolment.Store
	Calendar   enrolment.CalendarStore
	Invoices   billing.InvoiceStore
	Payments   billing.PaymentStore
	Credits    *ledger.Ledger
	Audits     coverage.AuditStore
}

// NewHandler builds a handler around a wired billing service.
func NewHandler(svc *billing.Service) *Handler {
	return &Handler{
		Service:    svc,
		Selector:   svc.Selector,
		Recalc:     svc.Recalc,
		Enrolments: svc.Enrolments,
		Calendar:   svc.Calendar,
		Invoices:   svc.Invoices,
		Payments:   svc.Payments,
		Credits:    svc.Credits,
		Audits:     svc.Audits,
	}
}

// =============================================================================
// COVERAGE HANDLERS
// =============================================================================

// GetBillingStatus returns the enrolment's coverage snapshot.
func (h *Handler) GetBillingStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	asOf, ok := h.parseAsOf(w, r.URL.Query().Get("asOf"))
	if !ok {
		return
	}

	snap, err := h.Selector.Snapshot(r.Context(), id, asOf)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// Recalculate recomputes coverage under the non-regression guard.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RecalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	reason := coverage.Reason(req.Reason)
	if req.Reason == "" {
		reason = coverage.ReasonPaidThroughManualEdit
	}

	asOf, ok := h.parseAsOf(w, req.AsOf)
	if !ok {
		return
	}

	snap, err := h.Recalc.Recalculate(r.Context(), id, reason, asOf, coverage.Options{
		ConfirmShorten: req.ConfirmShorten,
		ActorID:        req.ActorID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// GetCreditEvents returns the enrolment's ledger history.
func (h *Handler) GetCreditEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.Enrolments.GetEnrolment(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	evs, err := h.Credits.Events(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]CreditEventDTO, len(evs))
	for i, ev := range evs {
		dtos[i] = toCreditEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAudits returns the enrolment's paid-through audit trail.
func (h *Handler) GetAudits(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.Enrolments.GetEnrolment(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	audits, err := h.Audits.AuditsByEnrolment(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]AuditDTO, len(audits))
	for i, a := range audits {
		dtos[i] = toAuditDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CHANGE HANDLER
// =============================================================================

// ChangeEnrolment applies a plan/class change.
func (h *Handler) ChangeEnrolment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	changeover, err := calendar.ParseDayKey(req.ChangeoverDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid changeover_date (use YYYY-MM-DD)", err)
		return
	}

	res, err := h.Service.ChangeEnrolment(r.Context(), billing.ChangeInput{
		EnrolmentID:           id,
		NewPlanID:             req.NewPlanID,
		NewTemplateIDs:        req.NewTemplateIDs,
		ChangeoverDate:        changeover,
		ConfirmShorten:        req.ConfirmShorten,
		AllowCapacityOverload: req.AllowCapacityOverload,
		ActorID:               req.ActorID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toChangeResultDTO(*res))
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// CreateInvoice creates an invoice.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	dueAt, err := calendar.ParseDayKey(req.DueAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_at (use YYYY-MM-DD)", err)
		return
	}
	issuedAt := dueAt
	if req.IssuedAt != "" {
		if issuedAt, err = calendar.ParseDayKey(req.IssuedAt); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid issued_at (use YYYY-MM-DD)", err)
			return
		}
	}
	coverageStart, ok := h.parseOptionalDay(w, req.CoverageStart, "coverage_start")
	if !ok {
		return
	}
	coverageEnd, ok := h.parseOptionalDay(w, req.CoverageEnd, "coverage_end")
	if !ok {
		return
	}

	inv := billing.Invoice{
		FamilyID:         req.FamilyID,
		EnrolmentID:      req.EnrolmentID,
		Status:           billing.Status(req.Status),
		IssuedAt:         issuedAt,
		DueAt:            dueAt,
		CoverageStart:    coverageStart,
		CoverageEnd:      coverageEnd,
		CreditsPurchased: req.CreditsPurchased,
	}
	for _, li := range req.LineItems {
		inv.LineItems = append(inv.LineItems, billing.LineItem{
			Description: li.Description,
			AmountCents: li.AmountCents,
		})
	}

	created, err := h.Service.CreateInvoice(r.Context(), inv)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(*created))
}

// GetInvoice returns a single invoice.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Invoices.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment records a payment and allocates it.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	input := billing.PaymentInput{
		FamilyID:       req.FamilyID,
		AmountCents:    req.AmountCents,
		Method:         req.Method,
		IdempotencyKey: req.IdempotencyKey,
		Strategy:       billing.AllocationStrategy(req.Strategy),
	}
	if req.PaidAt != "" {
		paidAt, err := calendar.ParseDayKey(req.PaidAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid_at (use YYYY-MM-DD)", err)
			return
		}
		input.PaidAt = &paidAt
	}
	for _, a := range req.Allocations {
		input.Allocations = append(input.Allocations, billing.AllocationInput{
			InvoiceID:   a.InvoiceID,
			AmountCents: a.AmountCents,
		})
	}

	res, err := h.Service.CreatePayment(r.Context(), input)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toPaymentDTO(res.Payment, res.Allocations, res.Replayed))
}

// UndoPayment voids a payment and reverses its allocations.
func (h *Handler) UndoPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	pay, err := h.Service.UndoPayment(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	allocs, err := h.Payments.AllocationsByPayment(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*pay, allocs, false))
}

// DeletePayment voids (when needed) and soft-deletes a payment.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeletePayment(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// CALENDAR ADMIN HANDLERS
// =============================================================================

// CreateHoliday saves a holiday closure and recalculates affected enrolments.
func (h *Handler) CreateHoliday(w http.ResponseWriter, r *http.Request) {
	var req HolidayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	start, err := calendar.ParseDayKey(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start (use YYYY-MM-DD)", err)
		return
	}
	end, err := calendar.ParseDayKey(req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end (use YYYY-MM-DD)", err)
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "Holiday end precedes start", nil)
		return
	}

	hol := calendar.Holiday{
		ID:         req.ID,
		Name:       req.Name,
		Start:      start,
		End:        end,
		LevelID:    req.LevelID,
		TemplateID: req.TemplateID,
	}
	reason := coverage.ReasonHolidayAdded
	if hol.ID == "" {
		hol.ID = uuid.NewString()
	} else {
		reason = coverage.ReasonHolidayUpdated
	}

	if err := h.Calendar.SaveHoliday(r.Context(), hol); err != nil {
		writeDomainError(w, err)
		return
	}

	recalcs := h.recalcAffected(r, func(e enrolment.Enrolment) bool {
		return holidayAffects(hol, e)
	}, reason, req.ConfirmShorten)

	writeJSON(w, http.StatusCreated, CalendarMutationDTO{ID: hol.ID, Recalcs: recalcs})
}

// DeleteHoliday removes a holiday closure and recalculates affected
// enrolments. Removal can only extend or keep coverage, never shorten it.
func (h *Handler) DeleteHoliday(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	holidays, err := h.Calendar.ListHolidays(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var removed *calendar.Holiday
	for i := range holidays {
		if holidays[i].ID == id {
			removed = &holidays[i]
			break
		}
	}

	if err := h.Calendar.DeleteHoliday(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	var recalcs []RecalcOutcomeDTO
	if removed != nil {
		recalcs = h.recalcAffected(r, func(e enrolment.Enrolment) bool {
			return holidayAffects(*removed, e)
		}, coverage.ReasonHolidayRemoved, false)
	}
	writeJSON(w, http.StatusOK, CalendarMutationDTO{ID: id, Recalcs: recalcs})
}

// CreateCancellation cancels one occurrence and recalculates enrolments on
// that template.
func (h *Handler) CreateCancellation(w http.ResponseWriter, r *http.Request) {
	var req CancellationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.TemplateID == "" {
		writeError(w, http.StatusBadRequest, "template_id is required", nil)
		return
	}
	date, err := calendar.ParseDayKey(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date (use YYYY-MM-DD)", err)
		return
	}

	c := calendar.Cancellation{
		ID:         req.ID,
		TemplateID: req.TemplateID,
		Date:       date,
		Reason:     req.Reason,
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := h.Calendar.SaveCancellation(r.Context(), c); err != nil {
		writeDomainError(w, err)
		return
	}

	recalcs := h.recalcAffected(r, func(e enrolment.Enrolment) bool {
		return e.HasTemplate(c.TemplateID)
	}, coverage.ReasonCancellationCreated, false)

	writeJSON(w, http.StatusCreated, CalendarMutationDTO{ID: c.ID, Recalcs: recalcs})
}

// DeleteCancellation reverses a cancellation and recalculates enrolments on
// that template.
func (h *Handler) DeleteCancellation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cancellations, err := h.Calendar.ListCancellations(r.Context(), nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var removed *calendar.Cancellation
	for i := range cancellations {
		if cancellations[i].ID == id {
			removed = &cancellations[i]
			break
		}
	}

	if err := h.Calendar.DeleteCancellation(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	var recalcs []RecalcOutcomeDTO
	if removed != nil {
		recalcs = h.recalcAffected(r, func(e enrolment.Enrolment) bool {
			return e.HasTemplate(removed.TemplateID)
		}, coverage.ReasonCancellationReversed, false)
	}
	writeJSON(w, http.StatusOK, CalendarMutationDTO{ID: id, Recalcs: recalcs})
}

// recalcAffected runs a guarded recalculation for every active enrolment
// matching affects. Per-enrolment failures are reported, not fatal: one
// would-shorten rejection must not abort the rest of the batch.
func (h *Handler) recalcAffected(r *http.Request, affects func(enrolment.Enrolment) bool, reason coverage.Reason, confirm bool) []RecalcOutcomeDTO {
	enrolments, err := h.Enrolments.ListEnrolments(r.Context())
	if err != nil {
		return []RecalcOutcomeDTO{{Error: err.Error()}}
	}

	asOf := h.today()
	var out []RecalcOutcomeDTO
	for _, e := range enrolments {
		if e.Status != enrolment.StatusActive && e.Status != enrolment.StatusPaused {
			continue
		}
		if !affects(e) {
			continue
		}
		snap, err := h.Recalc.Recalculate(r.Context(), e.ID, reason, asOf, coverage.Options{
			ConfirmShorten: confirm,
		})
		outcome := RecalcOutcomeDTO{EnrolmentID: e.ID}
		if err != nil {
			outcome.Error = err.Error()
		} else {
			outcome.PaidThrough = dayString(snap.PaidThrough)
		}
		out = append(out, outcome)
	}
	return out
}

// holidayAffects reports whether the holiday's scope can touch the
// enrolment's schedule. Template-scoped holidays match by membership;
// level/business scope matches every enrolment (the walker resolves the
// exact level from templates).
func holidayAffects(h calendar.Holiday, e enrolment.Enrolment) bool {
	if h.TemplateID != "" {
		return e.HasTemplate(h.TemplateID)
	}
	return true
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) today() calendar.DayKey {
	loc := h.Service.Location
	if loc == nil {
		loc = calendar.DefaultLocation()
	}
	if h.Service.Now != nil {
		return calendar.DayKeyOf(h.Service.Now(), loc)
	}
	return calendar.DayKeyOf(time.Now(), loc)
}

func (h *Handler) parseAsOf(w http.ResponseWriter, raw string) (calendar.DayKey, bool) {
	if raw == "" {
		return h.today(), true
	}
	d, err := calendar.ParseDayKey(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid asOf (use YYYY-MM-DD)", err)
		return calendar.DayKey{}, false
	}
	return d, true
}

func (h *Handler) parseOptionalDay(w http.ResponseWriter, raw, field string) (*calendar.DayKey, bool) {
	if raw == "" {
		return nil, true
	}
	d, err := calendar.ParseDayKey(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+field+" (use YYYY-MM-DD)", err)
		return nil, false
	}
	return &d, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy onto HTTP statuses and attaches
// the recoverable errors' context so callers can re-prompt.
func writeDomainError(w http.ResponseWriter, err error) {
	var shorten *coverage.WouldShortenError
	if errors.As(err, &shorten) {
		resp := ErrorResponse{
			Error:   "Coverage would shorten",
			Details: shorten.Error(),
			Context: map[string]any{
				"enrolment_id": shorten.EnrolmentID,
				"old":          shorten.Old.String(),
			},
		}
		if shorten.New != nil {
			resp.Context["new"] = shorten.New.String()
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	}

	var capErr *billing.CapacityError
	if errors.As(err, &capErr) {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Class capacity exceeded",
			Details: capErr.Error(),
			Context: map[string]any{
				"template_id": capErr.TemplateID,
				"date":        capErr.Date.String(),
				"capacity":    capErr.Capacity,
				"current":     capErr.Current,
				"projected":   capErr.Projected,
			},
		})
		return
	}

	switch {
	case enrolment.IsValidation(err):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case enrolment.IsNotFound(err),
		errors.Is(err, billing.ErrInvoiceNotFound),
		errors.Is(err, billing.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, billing.ErrPaymentAlreadyVoid):
		writeError(w, http.StatusConflict, "Payment already void", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
