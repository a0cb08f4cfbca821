package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/activator/internal/backend"
	"github.com/pitabwire/activator/model"
)

func TestSecurity_RejectsBadTokens(t *testing.T) {
	h := NewTestHarness(t)

	tests := []struct {
		name    string
		token   string
		message string
	}{
		{name: "missing", token: "", message: "Missing authorization header"},
		{name: "expired", token: h.GenerateExpiredToken(OwnerClaims()), message: "Token expired"},
		{name: "wrong audience", token: h.issuer.GenerateTokenForAudience(OwnerClaims(), "someone-else"), message: "Invalid token audience"},
		{name: "garbage", token: "not-a-jwt", message: "Invalid token"},
		{name: "no tenant", token: h.GenerateToken(TestClaims{SubjectID: "user-1"}), message: "token does not identify a tenant and subject"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ee := h.AssertError(t, h.GET("/v1/activation", tt.token), http.StatusUnauthorized)
			if ee.Code != model.ErrUnauthorized {
				t.Errorf("code = %s, want UNAUTHORIZED", ee.Code)
			}
			if ee.Message != tt.message {
				t.Errorf("message = %q, want %q", ee.Message, tt.message)
			}
		})
	}
	h.Profiles().AssertNotCalled(t, backend.OpGetProfile)
}

func TestSecurity_PublicEndpointsNeedNoToken(t *testing.T) {
	h := NewTestHarness(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp := h.GET(path, "")
		h.ReadBody(resp)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
		if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
			t.Errorf("%s X-Content-Type-Options = %q", path, got)
		}
	}
}

func TestSecurity_ForwardsCallerIdentity(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OwnerClaims())

	h.AssertJSON(t, h.GET("/v1/activation", token), http.StatusOK, nil)

	req := h.Profiles().LastRequest(backend.OpGetProfile)
	if req == nil {
		t.Fatal("profile store was not called")
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer "+token {
		t.Errorf("Authorization = %q, want the caller's token", got)
	}
	if got := req.Headers.Get("X-Tenant-Id"); got != "acme" {
		t.Errorf("X-Tenant-Id = %q, want acme", got)
	}
}

func TestSecurity_TenantsAreIsolated(t *testing.T) {
	h := NewTestHarness(t)
	owner := h.GenerateToken(OwnerClaims())
	other := h.GenerateToken(TestClaims{SubjectID: "user-1", TenantID: "globex"})

	h.AssertJSON(t, h.PATCH("/v1/activation/fields", map[string]any{"business_name": "Acme Plumbing"}, owner), http.StatusOK, nil)

	var v model.View
	h.AssertJSON(t, h.GET("/v1/activation", other), http.StatusOK, &v)
	if v.Session.Fields.BusinessName != "" {
		t.Errorf("other tenant sees business_name %q", v.Session.Fields.BusinessName)
	}

	h.AssertJSON(t, h.GET("/v1/activation", owner), http.StatusOK, &v)
	if v.Session.Fields.BusinessName != "Acme Plumbing" {
		t.Errorf("owner business_name = %q", v.Session.Fields.BusinessName)
	}
}

func TestSecurity_ConfirmationBoundToCaller(t *testing.T) {
	h := NewTestHarness(t)
	stubHappyBackends(h)
	owner := h.GenerateToken(OwnerClaims())
	intruder := h.GenerateToken(TestClaims{SubjectID: "user-2", TenantID: "acme"})

	driveToHandshake(t, h, owner)
	conf := requestDeployment(t, h, owner)

	ee := h.AssertError(t, h.POST("/v1/activation/deployment/confirm", map[string]string{"token": conf.Token}, intruder), http.StatusBadRequest)
	if ee.Code != model.ErrBadRequest {
		t.Errorf("code = %s, want BAD_REQUEST", ee.Code)
	}
	h.Provisioning().AssertNotCalled(t, backend.OpInvokeProvisioning)

	// The owner's token is still usable.
	var v model.View
	h.AssertJSON(t, h.POST("/v1/activation/deployment/confirm", map[string]string{"token": conf.Token}, owner), http.StatusOK, &v)
	if v.Session.Step != model.StepSuccess {
		t.Errorf("step = %s, want success", v.Session.Step)
	}
}
