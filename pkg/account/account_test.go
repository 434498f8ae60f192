package account

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPlanCanShare(t *testing.T) {
	cases := map[Plan]bool{
		PlanFree:       false,
		PlanPro:        true,
		PlanTeam:       true,
		PlanEnterprise: true,
		Plan("trial"):  false,
		Plan(""):       false,
	}
	for plan, want := range cases {
		if got := plan.CanShare(); got != want {
			t.Errorf("%q.CanShare() = %v, want %v", plan, got, want)
		}
	}
}

func TestClientGetAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/account" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(Account{Plan: PlanTeam, Email: "ops@example.com"})
	}))
	defer srv.Close()

	acct, err := NewClient(srv.URL, "key-1").GetAccount(context.Background())
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Plan != PlanTeam || acct.Email != "ops@example.com" {
		t.Errorf("account = %+v", acct)
	}
}

func TestClientGetAccountErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "key-1").GetAccount(context.Background()); err == nil {
		t.Fatal("no error for a 403 response")
	}
}
