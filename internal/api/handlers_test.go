package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/donorhub/recurring-donation-service/internal/app"
	"github.com/donorhub/recurring-donation-service/internal/domain"
	"github.com/donorhub/recurring-donation-service/internal/schedule"
)

const (
	testSecret      = "test-signing-secret"
	testInternalKey = "internal-key"
)

type donationServiceStub struct {
	DonationService

	donorID uuid.UUID
	err     error

	gotActor     domain.Actor
	gotID        uuid.UUID
	gotStatus    domain.DonationStatus
	gotInput     domain.CreateRecurringDonationInput
	gotFilter    domain.ListFilter
	gotCharged   time.Time
	gotAsOf      time.Time
	retireCalled bool
}

func (s *donationServiceStub) ResolveActor(ctx context.Context, subject string, admin bool) (domain.Actor, error) {
	if admin {
		return domain.Actor{Kind: domain.ActorAdmin, Subject: subject}, nil
	}
	if subject == "user_unknown" {
		return domain.Actor{}, domain.ErrDonorNotFound
	}
	return domain.Actor{Kind: domain.ActorDonor, DonorID: s.donorID, Subject: subject}, nil
}

func (s *donationServiceStub) CreateRecurringDonation(ctx context.Context, actor domain.Actor, in domain.CreateRecurringDonationInput) (*domain.RecurringDonation, error) {
	s.gotActor = actor
	s.gotInput = in
	if s.err != nil {
		return nil, s.err
	}
	return &domain.RecurringDonation{ID: uuid.New(), DonorID: actor.DonorID, Status: domain.StatusApproved}, nil
}

func (s *donationServiceStub) GetRecurringDonation(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.RecurringDonationView, error) {
	s.gotActor = actor
	s.gotID = id
	if s.err != nil {
		return nil, s.err
	}
	return &domain.RecurringDonationView{RecurringDonation: domain.RecurringDonation{ID: id}, DisplayInterval: "Monthly"}, nil
}

func (s *donationServiceStub) ListRecurringDonations(ctx context.Context, actor domain.Actor, filter domain.ListFilter) ([]domain.RecurringDonationView, error) {
	s.gotActor = actor
	s.gotFilter = filter
	return []domain.RecurringDonationView{}, s.err
}

func (s *donationServiceStub) ChangeStatus(ctx context.Context, actor domain.Actor, id uuid.UUID, requested domain.DonationStatus) (*domain.RecurringDonation, error) {
	s.gotActor = actor
	s.gotID = id
	s.gotStatus = requested
	if s.err != nil {
		return nil, s.err
	}
	return &domain.RecurringDonation{ID: id, Status: requested}, nil
}

func (s *donationServiceStub) AdvanceAfterCharge(ctx context.Context, id uuid.UUID, chargedFor time.Time) (*domain.RecurringDonation, error) {
	s.gotID = id
	s.gotCharged = chargedFor
	if s.err != nil {
		return nil, s.err
	}
	return &domain.RecurringDonation{ID: id}, nil
}

func (s *donationServiceStub) PublishDueDonations(ctx context.Context, asOf time.Time) (*app.DueRunResult, error) {
	s.gotAsOf = asOf
	return &app.DueRunResult{AsOf: asOf, Evaluated: 2, Published: 2}, s.err
}

func (s *donationServiceStub) RetireExhaustedDonations(ctx context.Context) (*app.RetireRunResult, error) {
	s.retireCalled = true
	return &app.RetireRunResult{Evaluated: 1, Retired: 1}, s.err
}

func (s *donationServiceStub) DisplayInterval(start, end *time.Time) string {
	return schedule.DeriveDisplayInterval(start, end)
}

func hmacKeyfunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return []byte(testSecret), nil
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestRouter(svc *donationServiceStub) http.Handler {
	h := NewHandler(svc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewRouter(h, JWTAuthMiddleware(hmacKeyfunc, TokenPolicy{AdminRole: "admin"}), testInternalKey)
}

func doRequest(t *testing.T, router http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func TestAuth_RejectsMissingAndInvalidTokens(t *testing.T) {
	router := newTestRouter(&donationServiceStub{donorID: uuid.New()})

	if rec := doRequest(t, router, http.MethodGet, "/recurring-donations", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	expired := signToken(t, jwt.MapClaims{"sub": "user_1", "exp": time.Now().Add(-time.Hour).Unix()})
	if rec := doRequest(t, router, http.MethodGet, "/recurring-donations", "", expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}

	noSubject := signToken(t, jwt.MapClaims{"role": "admin"})
	if rec := doRequest(t, router, http.MethodGet, "/recurring-donations", "", noSubject); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without subject, got %d", rec.Code)
	}
}

func TestAuth_AdminRoleClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		admin  bool
	}{
		{name: "role claim", claims: jwt.MapClaims{"sub": "staff_1", "role": "admin"}, admin: true},
		{name: "roles array", claims: jwt.MapClaims{"sub": "staff_1", "roles": []interface{}{"support", "admin"}}, admin: true},
		{name: "other role", claims: jwt.MapClaims{"sub": "user_1", "role": "donor"}, admin: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &donationServiceStub{donorID: uuid.New()}
			router := newTestRouter(svc)
			rec := doRequest(t, router, http.MethodGet, "/recurring-donations", "", signToken(t, tt.claims))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if svc.gotActor.IsAdmin() != tt.admin {
				t.Fatalf("expected admin=%v, got actor %+v", tt.admin, svc.gotActor)
			}
		})
	}
}

func TestHandleChangeStatus(t *testing.T) {
	svc := &donationServiceStub{donorID: uuid.New()}
	router := newTestRouter(svc)
	id := uuid.New()

	rec := doRequest(t, router, http.MethodPut, "/recurring-donations/"+id.String()+"/status", `{"status":"Stopped"}`, signToken(t, jwt.MapClaims{"sub": "user_1"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.gotID != id || svc.gotStatus != domain.StatusStopped {
		t.Fatalf("unexpected call id=%s status=%s", svc.gotID, svc.gotStatus)
	}
	if svc.gotActor.Kind != domain.ActorDonor || svc.gotActor.DonorID != svc.donorID {
		t.Fatalf("unexpected actor %+v", svc.gotActor)
	}
}

func TestHandleChangeStatus_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "not found", err: domain.ErrNotFound, want: http.StatusNotFound},
		{name: "unauthorized", err: domain.ErrUnauthorized, want: http.StatusForbidden},
		{name: "invalid transition", err: fmt.Errorf("%w: cancelled is final", domain.ErrInvalidTransition), want: http.StatusConflict},
		{name: "concurrent modification", err: domain.ErrConcurrentModification, want: http.StatusConflict},
		{name: "unsupported interval", err: domain.ErrUnsupportedInterval, want: http.StatusUnprocessableEntity},
		{name: "rate limited", err: &app.RateLimitError{RetryAfterSeconds: 30}, want: http.StatusTooManyRequests},
		{name: "unexpected", err: errors.New("connection reset"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &donationServiceStub{donorID: uuid.New(), err: tt.err}
			router := newTestRouter(svc)
			rec := doRequest(t, router, http.MethodPut, "/recurring-donations/"+uuid.NewString()+"/status", `{"status":"approved"}`, signToken(t, jwt.MapClaims{"sub": "user_1"}))
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if errorBody(t, rec) == "" {
				t.Fatal("expected an error message")
			}
		})
	}
}

func TestHandleChangeStatus_ConcurrentAndInvalidMessagesDiffer(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "user_1"})
	path := "/recurring-donations/" + uuid.NewString() + "/status"

	concurrent := doRequest(t, newTestRouter(&donationServiceStub{err: domain.ErrConcurrentModification}), http.MethodPut, path, `{"status":"stopped"}`, token)
	invalid := doRequest(t, newTestRouter(&donationServiceStub{err: domain.ErrInvalidTransition}), http.MethodPut, path, `{"status":"stopped"}`, token)
	if errorBody(t, concurrent) == errorBody(t, invalid) {
		t.Fatal("expected distinct messages for concurrent modification and invalid transition")
	}
}

func TestHandleChangeStatus_RateLimitedSetsRetryAfter(t *testing.T) {
	router := newTestRouter(&donationServiceStub{err: &app.RateLimitError{RetryAfterSeconds: 30}})
	rec := doRequest(t, router, http.MethodPut, "/recurring-donations/"+uuid.NewString()+"/status", `{"status":"stopped"}`, signToken(t, jwt.MapClaims{"sub": "user_1"}))
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("expected Retry-After 30, got %q", got)
	}
}

func TestHandleChangeStatus_BadRequests(t *testing.T) {
	svc := &donationServiceStub{donorID: uuid.New()}
	router := newTestRouter(svc)
	token := signToken(t, jwt.MapClaims{"sub": "user_1"})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "bad id", path: "/recurring-donations/not-a-uuid/status", body: `{"status":"stopped"}`, want: http.StatusBadRequest},
		{name: "missing status", path: "/recurring-donations/" + uuid.NewString() + "/status", body: `{}`, want: http.StatusBadRequest},
		{name: "unknown status", path: "/recurring-donations/" + uuid.NewString() + "/status", body: `{"status":"paused"}`, want: http.StatusBadRequest},
		{name: "malformed json", path: "/recurring-donations/" + uuid.NewString() + "/status", body: `{"status":`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPut, tt.path, tt.body, token)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleGet_UnknownDonorProfile(t *testing.T) {
	router := newTestRouter(&donationServiceStub{})
	rec := doRequest(t, router, http.MethodGet, "/recurring-donations/"+uuid.NewString(), "", signToken(t, jwt.MapClaims{"sub": "user_unknown"}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCreate(t *testing.T) {
	svc := &donationServiceStub{donorID: uuid.New()}
	router := newTestRouter(svc)
	token := signToken(t, jwt.MapClaims{"sub": "user_1"})

	body := `{"start_date":"2024-01-31","end_date":"2024-12-31","interval_amount":"25.50","interval_type":"monthly","payment_method":"card"}`
	rec := doRequest(t, router, http.MethodPost, "/recurring-donations", body, token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.gotInput.IntervalType != domain.IntervalMonthly || svc.gotInput.IntervalAmount.String() != "25.5" {
		t.Fatalf("unexpected input %+v", svc.gotInput)
	}
	if svc.gotInput.EndDate == nil || !svc.gotInput.EndDate.Equal(time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end date %v", svc.gotInput.EndDate)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "unsupported interval", body: `{"start_date":"2024-01-31","interval_amount":"10","interval_type":"weekly","payment_method":"card"}`, want: http.StatusUnprocessableEntity},
		{name: "unknown payment method", body: `{"start_date":"2024-01-31","interval_amount":"10","interval_type":"monthly","payment_method":"cash"}`, want: http.StatusBadRequest},
		{name: "bad amount", body: `{"start_date":"2024-01-31","interval_amount":"ten","interval_type":"monthly","payment_method":"card"}`, want: http.StatusBadRequest},
		{name: "too many decimals", body: `{"start_date":"2024-01-31","interval_amount":"10.005","interval_type":"monthly","payment_method":"card"}`, want: http.StatusBadRequest},
		{name: "bad start date", body: `{"start_date":"31/01/2024","interval_amount":"10","interval_type":"monthly","payment_method":"card"}`, want: http.StatusBadRequest},
		{name: "amount overflows column", body: `{"start_date":"2024-01-31","interval_amount":"99999999999","interval_type":"monthly","payment_method":"card"}`, want: http.StatusBadRequest},
		{name: "largest storable amount", body: `{"start_date":"2024-01-31","interval_amount":"9999999999.99","interval_type":"monthly","payment_method":"card"}`, want: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/recurring-donations", tt.body, token)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleCreate_AdminUnknownDonor(t *testing.T) {
	svc := &donationServiceStub{err: domain.ErrDonorNotFound}
	router := newTestRouter(svc)
	token := signToken(t, jwt.MapClaims{"sub": "admin_1", "role": "admin"})

	body := `{"donor_id":"` + uuid.NewString() + `","start_date":"2024-01-31","interval_amount":"10","interval_type":"monthly","payment_method":"card"}`
	rec := doRequest(t, router, http.MethodPost, "/recurring-donations", body, token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleList_ParsesFilter(t *testing.T) {
	svc := &donationServiceStub{}
	router := newTestRouter(svc)
	donorID := uuid.New()

	rec := doRequest(t, router, http.MethodGet, "/recurring-donations?donor_id="+donorID.String()+"&status=stopped&limit=10", "", signToken(t, jwt.MapClaims{"sub": "staff_1", "role": "admin"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.gotFilter.DonorID != donorID || svc.gotFilter.Status != domain.StatusStopped || svc.gotFilter.Limit != 10 {
		t.Fatalf("unexpected filter %+v", svc.gotFilter)
	}

	rec = doRequest(t, router, http.MethodGet, "/recurring-donations?limit=-1", "", signToken(t, jwt.MapClaims{"sub": "staff_1", "role": "admin"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", rec.Code)
	}
}

func TestHandleDisplayInterval(t *testing.T) {
	router := newTestRouter(&donationServiceStub{})
	token := signToken(t, jwt.MapClaims{"sub": "user_1"})

	tests := []struct {
		query string
		want  string
	}{
		{query: "start_date=2024-01-31&end_date=2024-02-29", want: "Monthly"},
		{query: "start_date=2024-01-15&end_date=2024-04-15", want: "Quarterly"},
		{query: "start_date=2024-01-15&end_date=2025-01-15", want: "Yearly"},
		{query: "start_date=2024-01-15&end_date=2024-07-15", want: "6 months"},
		{query: "start_date=2024-01-15", want: "N/A"},
	}
	for _, tt := range tests {
		rec := doRequest(t, router, http.MethodGet, "/recurring-donations/display-interval?"+tt.query, "", token)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tt.query, rec.Code)
		}
		var body displayIntervalResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.DisplayInterval != tt.want {
			t.Fatalf("%s: expected %q, got %q", tt.query, tt.want, body.DisplayInterval)
		}
	}

	rec := doRequest(t, router, http.MethodGet, "/recurring-donations/display-interval?start_date=yesterday", "", token)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rec.Code)
	}
}

func TestInternalRoutes(t *testing.T) {
	svc := &donationServiceStub{}
	router := newTestRouter(svc)
	id := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/internal/recurring-donations/"+id.String()+"/advance", strings.NewReader(`{"charged_for":"2024-08-31"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without internal key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/recurring-donations/"+id.String()+"/advance", strings.NewReader(`{"charged_for":"2024-08-31"}`))
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.gotID != id || !svc.gotCharged.Equal(time.Date(2024, time.August, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected advance call id=%s charged=%s", svc.gotID, svc.gotCharged)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/recurring-donations/due/run", strings.NewReader(`{"as_of":"2024-09-01"}`))
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !svc.gotAsOf.Equal(time.Date(2024, time.September, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected as_of %s", svc.gotAsOf)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/recurring-donations/exhausted/run", nil)
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !svc.retireCalled {
		t.Fatalf("expected exhausted run to be called, got %d", rec.Code)
	}
}

func TestInternalAuthMiddleware_EmptyKeyRejectsEverything(t *testing.T) {
	handler := InternalAuthMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Internal-API-Key", "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
