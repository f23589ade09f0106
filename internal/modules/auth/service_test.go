package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (Service, *MemoryRepository) {
	repo := NewMemoryRepository()
	return NewService(repo, "test-secret", time.Hour), repo
}

func TestIssueAndParse(t *testing.T) {
	svc, _ := newTestService()
	sellerID := uuid.New()

	token, err := svc.Issue(Principal{Subject: "alice", Role: RoleSeller, SellerID: &sellerID})
	require.NoError(t, err)

	p, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, RoleSeller, p.Role)
	require.NotNil(t, p.SellerID)
	assert.Equal(t, sellerID, *p.SellerID)
}

func TestParseRejectsExpiredAndForeignTokens(t *testing.T) {
	svc, _ := newTestService()
	svc.(*service).now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := svc.Issue(Principal{Subject: "ops", Role: RoleAdmin})
	require.NoError(t, err)

	_, err = svc.Parse(expired)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	other := NewService(NewMemoryRepository(), "another-secret", time.Hour)
	foreign, err := other.Issue(Principal{Subject: "ops", Role: RoleAdmin})
	require.NoError(t, err)
	_, err = svc.Parse(foreign)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Issue(Principal{Subject: "x", Role: "ROOT"})
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)
}

func TestCreateAccountAndLogin(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	sellerID := uuid.New()

	_, err := svc.CreateAccount(ctx, CreateAccountRequest{Email: "Shop@Example.com", Password: "hunter22", Role: RoleSeller, SellerID: &sellerID})
	require.NoError(t, err)

	_, err = svc.CreateAccount(ctx, CreateAccountRequest{Email: "shop@example.com", Password: "x", Role: RoleAdmin})
	assert.ErrorIs(t, err, apperror.ErrDuplicate)

	_, err = svc.CreateAccount(ctx, CreateAccountRequest{Email: "nobody@example.com", Password: "x", Role: RoleSeller})
	assert.ErrorIs(t, err, apperror.ErrInvalidInput)

	token, err := svc.Login(ctx, "shop@example.com", "hunter22")
	require.NoError(t, err)
	p, err := svc.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, RoleSeller, p.Role)
	assert.Equal(t, sellerID, *p.SellerID)

	_, err = svc.Login(ctx, "shop@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "missing@example.com", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMiddleware(t *testing.T) {
	svc, _ := newTestService()
	adminToken, err := svc.Issue(Principal{Subject: "ops", Role: RoleAdmin})
	require.NoError(t, err)
	sellerID := uuid.New()
	sellerToken, err := svc.Issue(Principal{Subject: "shop", Role: RoleSeller, SellerID: &sellerID})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(Authenticate(svc))
	r.With(RequireRole(RoleAdmin)).Get("/admin", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"seller", "Bearer " + sellerToken, http.StatusForbidden},
		{"admin", "Bearer " + adminToken, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuthorizeSeller(t *testing.T) {
	own := uuid.New()
	other := uuid.New()

	assert.NoError(t, AuthorizeSeller(context.Background(), other))

	admin := WithPrincipal(context.Background(), Principal{Role: RoleAdmin})
	assert.NoError(t, AuthorizeSeller(admin, other))

	seller := WithPrincipal(context.Background(), Principal{Role: RoleSeller, SellerID: &own})
	assert.NoError(t, AuthorizeSeller(seller, own))
	assert.ErrorIs(t, AuthorizeSeller(seller, other), apperror.ErrForbidden)
}

func TestLoginHandler(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.CreateAccount(context.Background(), CreateAccountRequest{Email: "ops@example.com", Password: "s3cret", Role: RoleAdmin})
	require.NoError(t, err)

	r := chi.NewRouter()
	NewHandler(svc).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"email":"ops@example.com","password":"s3cret"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"token"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"email":"ops@example.com","password":"nope"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
