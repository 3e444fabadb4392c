package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/carenet/referrals/internal/adapters/health"
	"github.com/carenet/referrals/internal/coordination"
	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/shared/auth"
	"github.com/carenet/referrals/internal/shared/errors"
	"github.com/carenet/referrals/internal/shared/types"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler provides HTTP handlers for the referral workflow
type Handler struct {
	svc       *coordination.Service
	hospitals health.HospitalDirectory
	log       *zap.Logger
}

// NewHandler creates a new referral handler
func NewHandler(svc *coordination.Service, hospitals health.HospitalDirectory, log *zap.Logger) *Handler {
	return &Handler{svc: svc, hospitals: hospitals, log: log.Named("api")}
}

// Routes registers the referral routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/initiate-referral", h.InitiateReferral)
	r.Post("/respond-to-referral", h.RespondToReferral)
	r.Get("/check-referral-status/{referralID}", h.CheckReferralStatus)
	r.Post("/escalate-referral/{referralID}", h.EscalateReferral)
	r.Post("/cancel-referral/{referralID}", h.CancelReferral)

	r.Get("/pending/{hospitalID}", h.ListPending)
	r.Get("/hospital/{hospitalID}", h.ListForHospital)
	r.Get("/hospitals", h.ListHospitals)

	r.Route("/chain/{referralID}", func(r chi.Router) {
		r.Get("/", h.GetChain)
		r.Get("/history", h.GetHistory)
	})

	return r
}

// --- Request/Response types ---

type InitiateReferralRequest struct {
	RequestingHospitalID string `json:"requesting_hospital_id"`
	TargetHospitalID     string `json:"target_hospital_id"`
	PatientRef           string `json:"patient_ref"`
	Urgency              string `json:"urgency"`
	TimeoutSeconds       int    `json:"timeout_seconds,omitempty"`

	PatientAge          int    `json:"patient_age,omitempty"`
	PatientGender       string `json:"patient_gender,omitempty"`
	PrimaryDiagnosis    string `json:"primary_diagnosis,omitempty"`
	CurrentTreatment    string `json:"current_treatment,omitempty"`
	Reason              string `json:"reason,omitempty"`
	SpecialRequirements string `json:"special_requirements,omitempty"`
}

type InitiateReferralResponse struct {
	ReferralID      types.ID      `json:"referral_id"`
	RootReferralID  types.ID      `json:"root_referral_id"`
	Status          domain.Status `json:"status"`
	DeadlineSeconds int           `json:"deadline_seconds"`
	DeadlineAt      int64         `json:"deadline_at"`
}

type RespondToReferralRequest struct {
	ReferralID   types.ID `json:"referral_id"`
	ResponseType string   `json:"response_type"`
	Message      string   `json:"message,omitempty"`
	// HospitalID identifies the responder when authentication is disabled.
	HospitalID string `json:"hospital_id,omitempty"`
	// AvailableBeds overrides the directory's bed count for the responder.
	AvailableBeds *int `json:"available_beds,omitempty"`
}

type TransitionResponse struct {
	Applied  bool             `json:"applied"`
	Status   domain.Status    `json:"status"`
	Referral *domain.Referral `json:"referral"`
}

type EscalateReferralResponse struct {
	Applied             bool             `json:"applied"`
	Status              domain.Status    `json:"status"`
	SuccessorReferralID types.ID         `json:"successor_referral_id,omitempty"`
	TargetHospitalID    string           `json:"target_hospital_id,omitempty"`
	NoCandidate         bool             `json:"no_candidate"`
	ChainClosed         bool             `json:"chain_closed"`
	Referral            *domain.Referral `json:"referral"`
}

type CancelReferralRequest struct {
	Reason     string `json:"reason,omitempty"`
	HospitalID string `json:"hospital_id,omitempty"`
}

type StatusResponse struct {
	ReferralID       types.ID         `json:"referral_id"`
	Status           domain.Status    `json:"status"`
	RemainingSeconds int              `json:"remaining_seconds"`
	DeadlineAt       int64            `json:"deadline_at"`
	Referral         *domain.Referral `json:"referral"`
}

// ReferralView adds per-viewer fields to a referral.
type ReferralView struct {
	*domain.Referral
	TimeRemaining int    `json:"time_remaining"`
	Direction     string `json:"direction,omitempty"`
}

// --- Handlers ---

func (h *Handler) InitiateReferral(w http.ResponseWriter, r *http.Request) {
	var req InitiateReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	user := auth.GetUser(r.Context())
	if user != nil {
		if !user.HasPermission(auth.PermReferralCreate) {
			writeError(w, errors.Forbidden("not allowed to create referrals"))
			return
		}
		if req.RequestingHospitalID == "" {
			req.RequestingHospitalID = user.HospitalID
		}
		if !canActFor(user, domain.HospitalID(req.RequestingHospitalID)) {
			writeError(w, errors.Forbidden("cannot refer on behalf of another hospital"))
			return
		}
	}

	urgency, err := domain.ParseUrgency(req.Urgency)
	if err != nil {
		writeError(w, errors.Validation(err.Error(), map[string]string{"urgency": req.Urgency}))
		return
	}
	if req.TimeoutSeconds < 0 {
		writeError(w, errors.Validation("timeout_seconds must not be negative", nil))
		return
	}

	ref, err := h.svc.Initiate(r.Context(), coordination.InitiateRequest{
		PatientRef:           req.PatientRef,
		RequestingHospitalID: domain.HospitalID(req.RequestingHospitalID),
		TargetHospitalID:     domain.HospitalID(req.TargetHospitalID),
		Urgency:              urgency,
		Timeout:              time.Duration(req.TimeoutSeconds) * time.Second,
		Clinical: domain.ClinicalSummary{
			PatientAge:          req.PatientAge,
			PatientGender:       req.PatientGender,
			PrimaryDiagnosis:    req.PrimaryDiagnosis,
			CurrentTreatment:    req.CurrentTreatment,
			Reason:              req.Reason,
			SpecialRequirements: req.SpecialRequirements,
		},
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, InitiateReferralResponse{
		ReferralID:      ref.ID,
		RootReferralID:  ref.RootReferralID,
		Status:          ref.Status,
		DeadlineSeconds: ref.TimeoutSeconds,
		DeadlineAt:      ref.DeadlineAt.Unix(),
	})
}

func (h *Handler) RespondToReferral(w http.ResponseWriter, r *http.Request) {
	var req RespondToReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if _, err := types.ParseID(req.ReferralID.String()); err != nil {
		writeError(w, errors.BadRequest("invalid referral ID"))
		return
	}

	var accept bool
	switch req.ResponseType {
	case "accept", "accepted":
		accept = true
	case "reject", "rejected":
	default:
		writeError(w, errors.Validation("response_type must be accept or reject", map[string]string{"response_type": req.ResponseType}))
		return
	}

	if req.AvailableBeds != nil && *req.AvailableBeds < 0 {
		writeError(w, errors.Validation("available_beds must not be negative", map[string]string{"available_beds": strconv.Itoa(*req.AvailableBeds)}))
		return
	}

	user := auth.GetUser(r.Context())
	if user != nil && !user.HasPermission(auth.PermReferralRespond) {
		writeError(w, errors.Forbidden("not allowed to respond to referrals"))
		return
	}

	actor := actorFor(user, req.HospitalID)
	if actor.Type == domain.ActorHospital {
		actor.AvailableBeds = req.AvailableBeds
	}
	res, err := h.svc.Respond(r.Context(), req.ReferralID, accept, actor, req.Message)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TransitionResponse{Applied: res.Applied, Status: res.CurrentStatus, Referral: res.Referral})
}

func (h *Handler) CheckReferralStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := referralID(w, r)
	if !ok {
		return
	}

	snap, err := h.svc.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if user := auth.GetUser(r.Context()); user != nil && !canSee(user, snap.Referral) {
		writeError(w, errors.Forbidden("no access to this referral"))
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		ReferralID:       snap.Referral.ID,
		Status:           snap.Referral.Status,
		RemainingSeconds: snap.RemainingSeconds,
		DeadlineAt:       snap.Referral.DeadlineAt.Unix(),
		Referral:         snap.Referral,
	})
}

func (h *Handler) EscalateReferral(w http.ResponseWriter, r *http.Request) {
	id, ok := referralID(w, r)
	if !ok {
		return
	}

	user := auth.GetUser(r.Context())
	if user != nil && !user.HasPermission(auth.PermReferralEscalate) {
		writeError(w, errors.Forbidden("escalation requires operator permissions"))
		return
	}

	actor := domain.Actor{Type: domain.ActorOperator}
	if user != nil {
		actor.UserID, actor.Name = user.ID, user.Name
	}

	res, err := h.svc.Escalate(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := EscalateReferralResponse{
		Applied:     res.Applied,
		Status:      res.Status,
		Referral:    res.Referral,
		ChainClosed: res.Referral != nil && res.Referral.ChainClosed,
	}
	if esc := res.Escalation; esc != nil {
		resp.NoCandidate = esc.NoCandidate
		if esc.Successor != nil {
			resp.SuccessorReferralID = esc.Successor.ID
			resp.TargetHospitalID = esc.Successor.TargetHospitalID.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) CancelReferral(w http.ResponseWriter, r *http.Request) {
	id, ok := referralID(w, r)
	if !ok {
		return
	}

	var req CancelReferralRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.BadRequest("invalid request body"))
			return
		}
	}

	user := auth.GetUser(r.Context())
	if user != nil && !user.HasPermission(auth.PermReferralCancel) {
		writeError(w, errors.Forbidden("not allowed to cancel referrals"))
		return
	}

	res, err := h.svc.Cancel(r.Context(), id, actorFor(user, req.HospitalID), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TransitionResponse{Applied: res.Applied, Status: res.CurrentStatus, Referral: res.Referral})
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	hospitalID, ok := h.hospitalParam(w, r)
	if !ok {
		return
	}

	refs, err := h.svc.Pending(r.Context(), hospitalID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hospital_id": hospitalID,
		"referrals":   h.views(refs, ""),
		"total":       len(refs),
	})
}

func (h *Handler) ListForHospital(w http.ResponseWriter, r *http.Request) {
	hospitalID, ok := h.hospitalParam(w, r)
	if !ok {
		return
	}

	var filter domain.ListFilter
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := domain.ParseStatus(s)
		if err != nil {
			writeError(w, errors.Validation(err.Error(), map[string]string{"status": s}))
			return
		}
		filter.Status = &status
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 0 {
			writeError(w, errors.Validation("limit must be a non-negative integer", map[string]string{"limit": l}))
			return
		}
		filter.Limit = limit
	}

	refs, err := h.svc.ForHospital(r.Context(), hospitalID, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hospital_id": hospitalID,
		"referrals":   h.views(refs, hospitalID),
		"total":       len(refs),
	})
}

// HospitalOption is a possible referral target as seen from one hospital.
type HospitalOption struct {
	health.Hospital
	DistanceKm float64 `json:"distance_km"`
}

// ListHospitals returns the directory. With ?from=<hospitalID> it returns
// only the other hospitals that can take a referral, nearest first.
func (h *Handler) ListHospitals(w http.ResponseWriter, r *http.Request) {
	hospitals, err := h.hospitals.ListHospitals(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	fromID := r.URL.Query().Get("from")
	if fromID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"hospitals": hospitals, "total": len(hospitals)})
		return
	}

	from, err := h.hospitals.ResolveHospital(r.Context(), domain.HospitalID(fromID))
	if err != nil {
		h.writeError(w, err)
		return
	}

	options := make([]HospitalOption, 0, len(hospitals))
	for _, candidate := range hospitals {
		if candidate.ID == from.ID || !candidate.AcceptsReferrals() {
			continue
		}
		options = append(options, HospitalOption{Hospital: candidate, DistanceKm: from.DistanceKm(candidate)})
	}
	sort.SliceStable(options, func(i, j int) bool {
		if options[i].DistanceKm != options[j].DistanceKm {
			return options[i].DistanceKm < options[j].DistanceKm
		}
		return domain.CompareHospitalIDs(options[i].ID, options[j].ID) < 0
	})

	writeJSON(w, http.StatusOK, map[string]any{"from": from.ID, "hospitals": options, "total": len(options)})
}

func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	id, ok := referralID(w, r)
	if !ok {
		return
	}

	refs, err := h.svc.Chain(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if user := auth.GetUser(r.Context()); user != nil && len(refs) > 0 && !canSee(user, refs[0]) {
		writeError(w, errors.Forbidden("no access to this referral"))
		return
	}

	root := types.ID("")
	if len(refs) > 0 {
		root = refs[0].RootReferralID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"root_referral_id": root,
		"referrals":        h.views(refs, ""),
	})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := referralID(w, r)
	if !ok {
		return
	}

	history, err := h.svc.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": history, "total": len(history)})
}

// --- Helpers ---

func (h *Handler) views(refs []*domain.Referral, viewer domain.HospitalID) []ReferralView {
	now := h.svc.Now()
	out := make([]ReferralView, len(refs))
	for i, ref := range refs {
		out[i] = ReferralView{Referral: ref, TimeRemaining: ref.RemainingSeconds(now)}
		if viewer != "" {
			out[i].Direction = ref.Direction(viewer)
		}
	}
	return out
}

func (h *Handler) hospitalParam(w http.ResponseWriter, r *http.Request) (domain.HospitalID, bool) {
	hospitalID := domain.HospitalID(chi.URLParam(r, "hospitalID"))
	if hospitalID == "" {
		writeError(w, errors.BadRequest("hospital ID is required"))
		return "", false
	}
	if user := auth.GetUser(r.Context()); user != nil && !canActFor(user, hospitalID) {
		writeError(w, errors.Forbidden("no access to this hospital"))
		return "", false
	}
	return hospitalID, true
}

func referralID(w http.ResponseWriter, r *http.Request) (types.ID, bool) {
	id, err := types.ParseID(chi.URLParam(r, "referralID"))
	if err != nil {
		writeError(w, errors.BadRequest("invalid referral ID"))
		return "", false
	}
	return id, true
}

// actorFor identifies who is acting. Without authentication the body's
// hospital_id is trusted; with it the token decides.
func actorFor(user *auth.User, bodyHospitalID string) domain.Actor {
	if user == nil {
		if bodyHospitalID != "" {
			return domain.Actor{Type: domain.ActorHospital, HospitalID: domain.HospitalID(bodyHospitalID)}
		}
		return domain.Actor{Type: domain.ActorOperator}
	}
	if user.HospitalID != "" {
		return domain.Actor{
			Type:       domain.ActorHospital,
			HospitalID: domain.HospitalID(user.HospitalID),
			UserID:     user.ID,
			Name:       user.Name,
		}
	}
	return domain.Actor{Type: domain.ActorOperator, UserID: user.ID, Name: user.Name}
}

func canActFor(user *auth.User, hospitalID domain.HospitalID) bool {
	if user.IsAdmin() || user.HasPermission(auth.PermReferralAllSites) {
		return true
	}
	return user.HospitalID != "" && domain.HospitalID(user.HospitalID) == hospitalID
}

func canSee(user *auth.User, ref *domain.Referral) bool {
	if canActFor(user, ref.RequestingHospitalID) || canActFor(user, ref.TargetHospitalID) {
		return true
	}
	return ref.InChain(domain.HospitalID(user.HospitalID))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.HTTPStatus(err) >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
	}
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(appErr.HTTPStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
