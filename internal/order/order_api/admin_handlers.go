package order_api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ms-registration/internal/eligibility"
	"ms-registration/internal/models"

	"github.com/go-chi/chi/v5"
)

type createDiscountCodeRequest struct {
	Code          string              `json:"code"`
	Type          models.DiscountType `json:"type"`
	Value         int64               `json:"value"`
	Description   string              `json:"description"`
	AllowedTiers  []string            `json:"allowed_tiers"`
	AllowedEmails []string            `json:"allowed_emails"`
	MaxUses       *int64              `json:"max_uses"`
	ValidFrom     *time.Time          `json:"valid_from"`
	ValidUntil    *time.Time          `json:"valid_until"`
	Active        *bool               `json:"active"`
	GrantsAccess  bool                `json:"grants_access"`
}

func (req createDiscountCodeRequest) toModel() (*models.DiscountCode, error) {
	code := eligibility.NormalizeCode(req.Code)
	if code == "" {
		return nil, errors.New("code is required")
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unknown discount type %q", req.Type)
	}
	switch req.Type {
	case models.DiscountPercentage:
		if req.Value < 0 || req.Value > 100 {
			return nil, errors.New("percentage must be between 0 and 100")
		}
	case models.DiscountFixed:
		if req.Value <= 0 {
			return nil, errors.New("fixed discount must be positive")
		}
	}
	if req.MaxUses != nil && *req.MaxUses < 0 {
		return nil, errors.New("max_uses cannot be negative")
	}
	if req.ValidFrom != nil && req.ValidUntil != nil && req.ValidUntil.Before(*req.ValidFrom) {
		return nil, errors.New("valid_until is before valid_from")
	}

	emails := make([]string, 0, len(req.AllowedEmails))
	for _, e := range req.AllowedEmails {
		if e = eligibility.NormalizeEmail(e); e != "" {
			emails = append(emails, e)
		}
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	return &models.DiscountCode{
		Code:          code,
		Type:          req.Type,
		Value:         req.Value,
		Description:   strings.TrimSpace(req.Description),
		AllowedTiers:  req.AllowedTiers,
		AllowedEmails: emails,
		MaxUses:       req.MaxUses,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
		Active:        active,
		GrantsAccess:  req.GrantsAccess,
	}, nil
}

func (h *Handler) CreateDiscountCode(w http.ResponseWriter, r *http.Request) {
	var req createDiscountCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}
	dc, err := req.toModel()
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_request", err.Error())
		return
	}

	_, err = h.Admin.GetDiscountCode(r.Context(), dc.Code)
	switch {
	case err == nil:
		h.writeError(w, http.StatusConflict, "duplicate_code", fmt.Sprintf("discount code %s already exists", dc.Code))
		return
	case !errors.Is(err, sql.ErrNoRows):
		h.writeServiceError(w, "CreateDiscountCode", err)
		return
	}

	if err := h.Admin.CreateDiscountCode(r.Context(), dc); err != nil {
		h.writeServiceError(w, "CreateDiscountCode", err)
		return
	}
	h.Logger.LogSecurity("DISCOUNT_CODE_CREATED", fmt.Sprintf("%s (%s %d)", dc.Code, dc.Type, dc.Value))
	h.writeJSON(w, http.StatusCreated, dc)
}

func (h *Handler) ListDiscountCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.Admin.ListDiscountCodes(r.Context())
	if err != nil {
		h.writeServiceError(w, "ListDiscountCodes", err)
		return
	}
	if codes == nil {
		codes = []models.DiscountCode{}
	}
	h.writeJSON(w, http.StatusOK, codes)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (h *Handler) SetDiscountCodeActive(w http.ResponseWriter, r *http.Request) {
	code := eligibility.NormalizeCode(chi.URLParam(r, "code"))

	var req setActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	found, err := h.Admin.SetDiscountCodeActive(r.Context(), code, req.Active)
	if err != nil {
		h.writeServiceError(w, "SetDiscountCodeActive", err)
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("discount code %s not found", code))
		return
	}
	h.Logger.LogSecurity("DISCOUNT_CODE_TOGGLED", fmt.Sprintf("%s active=%t", code, req.Active))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"code": code, "active": req.Active})
}

type freeTicketRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
	Active *bool  `json:"active"`
}

func (h *Handler) UpsertFreeTicket(w http.ResponseWriter, r *http.Request) {
	var req freeTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}
	email := eligibility.NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_request", "a valid email is required")
		return
	}

	entry := &models.FreeTicketEntry{
		Email:  email,
		Reason: strings.TrimSpace(req.Reason),
		Active: req.Active == nil || *req.Active,
	}
	if entry.Reason == "" {
		entry.Reason = "Complimentary"
	}

	if err := h.Admin.UpsertFreeTicketEntry(r.Context(), entry); err != nil {
		h.writeServiceError(w, "UpsertFreeTicket", err)
		return
	}
	h.Logger.LogSecurity("FREE_TICKET_GRANTED", fmt.Sprintf("%s (%s) active=%t", email, entry.Reason, entry.Active))
	h.writeJSON(w, http.StatusOK, entry)
}
