package openapi

import (
	"slices"
	"testing"
)

func loadSpecs(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex()
	err := idx.Load([]SpecSource{
		{ServiceID: "profiles", BaseURL: "https://profiles.test", SpecPath: "../../specs/profiles.yaml"},
		{ServiceID: "billing", SpecPath: "../../specs/billing.yaml"},
		{ServiceID: "provisioning", BaseURL: "https://provisioning.test", SpecPath: "../../specs/provisioning.yaml"},
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return idx
}

func TestIndex_Load(t *testing.T) {
	idx := loadSpecs(t)

	tests := []struct {
		service string
		want    []string
	}{
		{"profiles", []string{"createConsentAcceptance", "getProfile", "upsertProfile"}},
		{"billing", []string{"createCheckoutSession", "getSubscriptionStatus", "verifyCheckoutSession"}},
		{"provisioning", []string{"countResources", "invokeProvisioning"}},
	}
	for _, tt := range tests {
		if got := idx.AllOperationIDs(tt.service); !slices.Equal(got, tt.want) {
			t.Errorf("AllOperationIDs(%s) = %v, want %v", tt.service, got, tt.want)
		}
	}
	if !idx.Loaded() {
		t.Error("Loaded() = false after Load")
	}
}

func TestIndex_GetOperation(t *testing.T) {
	idx := loadSpecs(t)

	op, ok := idx.GetOperation("billing", "verifyCheckoutSession")
	if !ok {
		t.Fatal("verifyCheckoutSession not indexed")
	}
	if op.Method != "POST" || op.PathTemplate != "/checkout/sessions/{sessionId}/verify" {
		t.Errorf("op = %s %s", op.Method, op.PathTemplate)
	}
	if op.BaseURL != "http://billing.internal" {
		t.Errorf("BaseURL = %q, want server URL from document", op.BaseURL)
	}
	found := false
	for _, p := range op.Parameters {
		if p.Name == "sessionId" && p.In == "path" {
			found = true
		}
	}
	if !found {
		t.Error("path-level sessionId parameter not merged into operation")
	}

	op, _ = idx.GetOperation("profiles", "getProfile")
	if op.BaseURL != "https://profiles.test" {
		t.Errorf("BaseURL = %q, configured base URL should win", op.BaseURL)
	}

	if _, ok := idx.GetOperation("billing", "refund"); ok {
		t.Error("unknown operation should not be found")
	}
	if _, ok := idx.GetOperation("ledger", "getProfile"); ok {
		t.Error("unknown service should not be found")
	}
}

func TestIndex_Load_missingFile(t *testing.T) {
	err := NewIndex().Load([]SpecSource{{ServiceID: "billing", SpecPath: "nope.yaml"}})
	if err == nil {
		t.Fatal("expected error for missing document")
	}
}

func TestIndex_LoadData_invalidDocument(t *testing.T) {
	err := NewIndex().LoadData("billing", "", []byte("openapi: 3.0.3\ninfo: {}\npaths: {}\n"))
	if err == nil {
		t.Fatal("expected validation error for document without title/version")
	}
}

func TestIndex_Loaded_empty(t *testing.T) {
	if NewIndex().Loaded() {
		t.Error("empty index reports loaded")
	}
}

func TestValidateRequest(t *testing.T) {
	idx := loadSpecs(t)

	valid := map[string]any{
		"business_name":          "Apex Heating",
		"industry":               "hvac",
		"area_code":              "415",
		"schedule_summary":       "Mon-Fri 08:00-17:00",
		"fees":                   map[string]any{"service": "89", "emergency": "149"},
		"dispatch_base_location": "Oakland, CA",
		"travel_limit_value":     25.0,
		"travel_limit_mode":      "miles",
	}
	if errs := idx.ValidateRequest("provisioning", "invokeProvisioning", valid); len(errs) != 0 {
		t.Fatalf("valid payload rejected: %+v", errs)
	}

	invalid := map[string]any{
		"business_name":      "Apex Heating",
		"industry":           "hvac",
		"area_code":          "41",
		"schedule_summary":   "by appointment",
		"fees":               map[string]any{"service": "89", "emergency": "149"},
		"travel_limit_value": 0.0,
	}
	errs := idx.ValidateRequest("provisioning", "invokeProvisioning", invalid)
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
		if e.Message == "" {
			t.Errorf("empty message for %q", e.Field)
		}
	}
	for _, want := range []string{"area_code", "dispatch_base_location", "travel_limit_value"} {
		if !fields[want] {
			t.Errorf("missing error for %s in %+v", want, errs)
		}
	}
}

func TestValidateRequest_nestedField(t *testing.T) {
	idx := loadSpecs(t)
	body := map[string]any{
		"business_name":          "Apex",
		"industry":               "hvac",
		"area_code":              "415",
		"schedule_summary":       "by appointment",
		"fees":                   map[string]any{"service": "89"},
		"dispatch_base_location": "Oakland",
		"travel_limit_value":     5.0,
	}
	errs := idx.ValidateRequest("provisioning", "invokeProvisioning", body)
	if len(errs) != 1 || errs[0].Field != "fees.emergency" {
		t.Errorf("errs = %+v, want one error at fees.emergency", errs)
	}
}

func TestValidateRequest_noBodyOperations(t *testing.T) {
	idx := loadSpecs(t)
	if errs := idx.ValidateRequest("billing", "getSubscriptionStatus", nil); errs != nil {
		t.Errorf("errs = %+v, want nil", errs)
	}
	if errs := idx.ValidateRequest("billing", "createCheckoutSession", nil); len(errs) != 1 {
		t.Errorf("missing required body: errs = %+v", errs)
	}
	if errs := idx.ValidateRequest("billing", "missing", nil); len(errs) != 1 {
		t.Errorf("unknown operation: errs = %+v", errs)
	}
}
