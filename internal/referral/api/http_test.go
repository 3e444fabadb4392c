package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carenet/referrals/internal/adapters/health"
	"github.com/carenet/referrals/internal/coordination"
	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/referral/infrastructure"
	"github.com/carenet/referrals/internal/referral/ledger"
	"github.com/carenet/referrals/internal/shared/auth"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func site(id domain.HospitalID, beds int) health.Hospital {
	return health.Hospital{
		ID:            id,
		Name:          "Hospital " + string(id),
		Role:          health.RoleNormal,
		Active:        true,
		AvailableBeds: beds,
		AutoEscalate:  true,
	}
}

func setupRouter(t *testing.T) http.Handler {
	t.Helper()
	dir := health.NewStaticDirectory(site("1", 1), site("2", 1), site("3", 4))
	l := ledger.New(infrastructure.NewMemoryRepository(), dir, zap.NewNop())
	coord := coordination.NewCoordinator(l, dir, nil, coordination.DefaultConfig(), zap.NewNop())
	t.Cleanup(coord.Stop)
	svc := coordination.NewService(l, coord, nil, nil, zap.NewNop())

	r := chi.NewRouter()
	r.Mount("/api/v1/referrals", NewHandler(svc, dir, zap.NewNop()).Routes())
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any, user *auth.User) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != nil {
		req = req.WithContext(auth.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func initiate(t *testing.T, h http.Handler, from, to string) InitiateReferralResponse {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/referrals/initiate-referral", InitiateReferralRequest{
		RequestingHospitalID: from,
		TargetHospitalID:     to,
		PatientRef:           "P-100",
		Urgency:              "high",
		TimeoutSeconds:       60,
		PrimaryDiagnosis:     "I21.0",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[InitiateReferralResponse](t, rec)
}

func TestInitiateReferral(t *testing.T) {
	h := setupRouter(t)
	before := time.Now()

	resp := initiate(t, h, "1", "2")
	assert.NotEmpty(t, resp.ReferralID)
	assert.Equal(t, resp.ReferralID, resp.RootReferralID)
	assert.Equal(t, domain.StatusPending, resp.Status)
	assert.Equal(t, 60, resp.DeadlineSeconds)
	assert.InDelta(t, before.Add(time.Minute).Unix(), resp.DeadlineAt, 2)
}

func TestInitiateReferral_Validation(t *testing.T) {
	h := setupRouter(t)

	tests := []struct {
		name string
		req  InitiateReferralRequest
		code int
	}{
		{"same hospital", InitiateReferralRequest{RequestingHospitalID: "1", TargetHospitalID: "1", PatientRef: "P", Urgency: "low"}, http.StatusBadRequest},
		{"unknown target", InitiateReferralRequest{RequestingHospitalID: "1", TargetHospitalID: "99", PatientRef: "P", Urgency: "low"}, http.StatusUnprocessableEntity},
		{"bad urgency", InitiateReferralRequest{RequestingHospitalID: "1", TargetHospitalID: "2", PatientRef: "P", Urgency: "whenever"}, http.StatusBadRequest},
		{"negative timeout", InitiateReferralRequest{RequestingHospitalID: "1", TargetHospitalID: "2", PatientRef: "P", Urgency: "low", TimeoutSeconds: -1}, http.StatusBadRequest},
		{"missing patient", InitiateReferralRequest{RequestingHospitalID: "1", TargetHospitalID: "2", Urgency: "low"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/v1/referrals/initiate-referral", tt.req, nil)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestRespondToReferral(t *testing.T) {
	h := setupRouter(t)
	ref := initiate(t, h, "1", "2")

	rec := do(t, h, http.MethodPost, "/api/v1/referrals/respond-to-referral", RespondToReferralRequest{
		ReferralID: ref.ReferralID, ResponseType: "accept", HospitalID: "3",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/referrals/respond-to-referral", RespondToReferralRequest{
		ReferralID: ref.ReferralID, ResponseType: "maybe", HospitalID: "2",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/referrals/respond-to-referral", RespondToReferralRequest{
		ReferralID: ref.ReferralID, ResponseType: "accept", Message: "bed 4 ready", HospitalID: "2",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TransitionResponse](t, rec)
	assert.True(t, resp.Applied)
	assert.Equal(t, domain.StatusAccepted, resp.Status)
	assert.Equal(t, "bed 4 ready", resp.Referral.ResponseMessage)

	// A second answer is reported, not applied.
	rec = do(t, h, http.MethodPost, "/api/v1/referrals/respond-to-referral", RespondToReferralRequest{
		ReferralID: ref.ReferralID, ResponseType: "reject", HospitalID: "2",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[TransitionResponse](t, rec)
	assert.False(t, resp.Applied)
	assert.Equal(t, domain.StatusAccepted, resp.Status)
}

func TestRespondToReferral_AvailableBeds(t *testing.T) {
	h := setupRouter(t)
	ref := initiate(t, h, "1", "2")

	negative := -1
	rec := do(t, h, http.MethodPost, "/api/v1/referrals/respond-to-referral", RespondToReferralRequest{
		ReferralID: ref.ReferralID, ResponseType: "accept", HospitalID: "2", AvailableBeds: &negative,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	beds := 5
	rec = do(t, h, http.MethodPost, "/api/v1/referrals/respond-to-referral", RespondToReferralRequest{
		ReferralID: ref.ReferralID, ResponseType: "accept", HospitalID: "2", AvailableBeds: &beds,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TransitionResponse](t, rec)
	require.NotNil(t, resp.Referral.ResolvedBy)
	require.NotNil(t, resp.Referral.ResolvedBy.AvailableBeds)
	assert.Equal(t, 5, *resp.Referral.ResolvedBy.AvailableBeds)

	// Without a reported count the directory value is recorded.
	other := initiate(t, h, "2", "3")
	rec = do(t, h, http.MethodPost, "/api/v1/referrals/respond-to-referral", RespondToReferralRequest{
		ReferralID: other.ReferralID, ResponseType: "reject", HospitalID: "3",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[TransitionResponse](t, rec)
	require.NotNil(t, resp.Referral.ResolvedBy.AvailableBeds)
	assert.Equal(t, 4, *resp.Referral.ResolvedBy.AvailableBeds)
}

func TestListHospitals_NearestFirst(t *testing.T) {
	locate := func(h health.Hospital, lat, lng float64) health.Hospital {
		h.Latitude, h.Longitude = lat, lng
		return h
	}
	dir := health.NewStaticDirectory(
		locate(site("1", 2), 45.8297, 20.4653),
		locate(site("2", 1), 45.2671, 19.8335),
		locate(site("3", 8), 44.7866, 20.4489),
		locate(site("4", 0), 45.8300, 20.4700),
	)
	l := ledger.New(infrastructure.NewMemoryRepository(), dir, zap.NewNop())
	coord := coordination.NewCoordinator(l, dir, nil, coordination.DefaultConfig(), zap.NewNop())
	t.Cleanup(coord.Stop)
	r := chi.NewRouter()
	r.Mount("/api/v1/referrals", NewHandler(coordination.NewService(l, coord, nil, nil, zap.NewNop()), dir, zap.NewNop()).Routes())

	rec := do(t, r, http.MethodGet, "/api/v1/referrals/hospitals", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, decode[struct {
		Total int `json:"total"`
	}](t, rec).Total)

	rec = do(t, r, http.MethodGet, "/api/v1/referrals/hospitals?from=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		From      string           `json:"from"`
		Hospitals []HospitalOption `json:"hospitals"`
		Total     int              `json:"total"`
	}](t, rec)
	assert.Equal(t, "1", body.From)
	require.Equal(t, 2, body.Total, "self and full hospitals are left out")
	assert.Equal(t, domain.HospitalID("2"), body.Hospitals[0].ID)
	assert.InDelta(t, 79.6, body.Hospitals[0].DistanceKm, 0.5)
	assert.Equal(t, domain.HospitalID("3"), body.Hospitals[1].ID)
	assert.InDelta(t, 116.0, body.Hospitals[1].DistanceKm, 0.5)
	assert.Equal(t, 8, body.Hospitals[1].AvailableBeds)

	rec = do(t, r, http.MethodGet, "/api/v1/referrals/hospitals?from=99", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCheckReferralStatus(t *testing.T) {
	h := setupRouter(t)
	ref := initiate(t, h, "1", "2")

	rec := do(t, h, http.MethodGet, "/api/v1/referrals/check-referral-status/"+ref.ReferralID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[StatusResponse](t, rec)
	assert.Equal(t, domain.StatusPending, resp.Status)
	assert.InDelta(t, 60, resp.RemainingSeconds, 2)
	assert.Equal(t, ref.DeadlineAt, resp.DeadlineAt)

	rec = do(t, h, http.MethodGet, "/api/v1/referrals/check-referral-status/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/referrals/check-referral-status/"+coordination.SuccessorID(ref.ReferralID).String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEscalateReferral(t *testing.T) {
	h := setupRouter(t)
	ref := initiate(t, h, "1", "2")
	path := "/api/v1/referrals/escalate-referral/" + ref.ReferralID.String()

	staff := &auth.User{ID: "u-1", HospitalID: "1", Roles: []string{string(auth.RoleHospitalStaff)}}
	rec := do(t, h, http.MethodPost, path, nil, staff)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, path, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[EscalateReferralResponse](t, rec)
	assert.True(t, resp.Applied)
	assert.Equal(t, coordination.SuccessorID(ref.ReferralID), resp.SuccessorReferralID)
	assert.Equal(t, "3", resp.TargetHospitalID)
	assert.False(t, resp.NoCandidate)
	assert.False(t, resp.ChainClosed)

	rec = do(t, h, http.MethodGet, "/api/v1/referrals/chain/"+resp.SuccessorReferralID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	chain := decode[struct {
		Root      string         `json:"root_referral_id"`
		Referrals []ReferralView `json:"referrals"`
	}](t, rec)
	assert.Equal(t, ref.ReferralID.String(), chain.Root)
	require.Len(t, chain.Referrals, 2)
	byID := map[string]ReferralView{}
	for _, v := range chain.Referrals {
		byID[v.ID.String()] = v
	}
	root, next := byID[ref.ReferralID.String()], byID[resp.SuccessorReferralID.String()]
	assert.Equal(t, domain.StatusEscalated, root.Status)
	assert.Equal(t, resp.SuccessorReferralID, root.SuccessorID)
	assert.Equal(t, domain.StatusPending, next.Status)
	assert.Equal(t, []domain.HospitalID{"2"}, next.EscalationChain)

	// Escalating the successor leaves nobody to ask.
	rec = do(t, h, http.MethodPost, "/api/v1/referrals/escalate-referral/"+resp.SuccessorReferralID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[EscalateReferralResponse](t, rec)
	assert.True(t, resp.NoCandidate)
	assert.True(t, resp.ChainClosed)
	assert.Empty(t, resp.SuccessorReferralID)
}

func TestCancelReferral(t *testing.T) {
	h := setupRouter(t)
	ref := initiate(t, h, "1", "2")
	path := "/api/v1/referrals/cancel-referral/" + ref.ReferralID.String()

	rec := do(t, h, http.MethodPost, path, CancelReferralRequest{HospitalID: "2"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, path, CancelReferralRequest{HospitalID: "1", Reason: "patient stabilized"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TransitionResponse](t, rec)
	assert.True(t, resp.Applied)
	assert.Equal(t, domain.StatusCancelled, resp.Status)
}

func TestListings(t *testing.T) {
	h := setupRouter(t)
	initiate(t, h, "1", "2")
	initiate(t, h, "3", "2")

	rec := do(t, h, http.MethodGet, "/api/v1/referrals/pending/2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[struct {
		Referrals []ReferralView `json:"referrals"`
		Total     int            `json:"total"`
	}](t, rec)
	assert.Equal(t, 2, pending.Total)
	for _, v := range pending.Referrals {
		assert.Greater(t, v.TimeRemaining, 0)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/referrals/hospital/1?status=pending&limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sent := decode[struct {
		Referrals []ReferralView `json:"referrals"`
	}](t, rec)
	require.Len(t, sent.Referrals, 1)
	assert.Equal(t, "sent", sent.Referrals[0].Direction)

	rec = do(t, h, http.MethodGet, "/api/v1/referrals/hospital/1?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/referrals/hospitals", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[struct {
		Total int `json:"total"`
	}](t, rec).Total)
}

func TestHospitalScope(t *testing.T) {
	h := setupRouter(t)
	initiate(t, h, "1", "2")

	staff := &auth.User{ID: "u-3", HospitalID: "3", Roles: []string{string(auth.RoleHospitalStaff)}}
	rec := do(t, h, http.MethodGet, "/api/v1/referrals/pending/2", nil, staff)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	operator := &auth.User{ID: "op", Roles: []string{string(auth.RoleReferralOperator)}}
	rec = do(t, h, http.MethodGet, "/api/v1/referrals/pending/2", nil, operator)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Staff can only refer on behalf of their own hospital.
	rec = do(t, h, http.MethodPost, "/api/v1/referrals/initiate-referral", InitiateReferralRequest{
		RequestingHospitalID: "1", TargetHospitalID: "2", PatientRef: "P", Urgency: "low",
	}, staff)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/referrals/initiate-referral", InitiateReferralRequest{
		TargetHospitalID: "2", PatientRef: "P", Urgency: "low",
	}, staff)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHistoryWithoutJournal(t *testing.T) {
	h := setupRouter(t)
	ref := initiate(t, h, "1", "2")

	rec := do(t, h, http.MethodGet, "/api/v1/referrals/chain/"+ref.ReferralID.String()+"/history", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWriteError_HidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}
