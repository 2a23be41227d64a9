package models

import "testing"

func TestTierAtLeast(t *testing.T) {
	cases := []struct {
		caller  Tier
		minimum Tier
		want    bool
	}{
		{TierBasic, TierBasic, true},
		{TierBasic, TierStandard, false},
		{TierBasic, TierPremium, false},
		{TierStandard, TierBasic, true},
		{TierStandard, TierStandard, true},
		{TierStandard, TierPremium, false},
		{TierPremium, TierBasic, true},
		{TierPremium, TierStandard, true},
		{TierPremium, TierPremium, true},
	}
	for _, tc := range cases {
		if got := tc.caller.AtLeast(tc.minimum); got != tc.want {
			t.Errorf("Tier(%s).AtLeast(%s) = %v, want %v", tc.caller, tc.minimum, got, tc.want)
		}
	}
}

func TestTierUnknownNeverQualifies(t *testing.T) {
	unknown := Tier("platinum")
	for _, minimum := range []Tier{TierBasic, TierStandard, TierPremium} {
		if unknown.AtLeast(minimum) {
			t.Errorf("unknown tier qualified for minimum %s", minimum)
		}
	}
}

func TestParseTierFallsBackToBasic(t *testing.T) {
	if got := ParseTier("gold"); got != TierBasic {
		t.Fatalf("ParseTier(gold) = %s, want %s", got, TierBasic)
	}
	if got := ParseTier("premium"); got != TierPremium {
		t.Fatalf("ParseTier(premium) = %s, want %s", got, TierPremium)
	}
}

func TestTenantIDFromKey(t *testing.T) {
	cases := []struct {
		pk     string
		want   string
		wantOK bool
	}{
		{"TENANT#acme", "acme", true},
		{"TENANT#acme#S3", "acme", true},
		{"AGENT#summarizer", "", false},
		{"LOCK#deploy", "", false},
		{"CONFIG#platform", "", false},
	}
	for _, tc := range cases {
		got, ok := TenantIDFromKey(tc.pk)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("TenantIDFromKey(%q) = (%q, %v), want (%q, %v)", tc.pk, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestTenantIDFromBlobKey(t *testing.T) {
	if got, ok := TenantIDFromBlobKey("tenants/acme/results/j1.json"); !ok || got != "acme" {
		t.Fatalf("got (%q, %v)", got, ok)
	}
	if _, ok := TenantIDFromBlobKey("shared/results/j1.json"); ok {
		t.Fatal("non-tenant key reported a tenant")
	}
}

func TestHasRole(t *testing.T) {
	tc := TenantContext{TenantID: "acme", Roles: []string{"viewer", RoleAdmin}}
	if !tc.IsAdmin() {
		t.Fatal("expected admin")
	}
	if tc.HasRole("editor") {
		t.Fatal("unexpected role")
	}
}
