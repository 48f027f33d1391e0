package server

import (
	"context"
	"errors"
	"testing"
)

func testAccounts() []Account {
	return []Account{
		{PrincipalID: "p-1", TenantID: "t-1", TenantName: "Alfa", Role: "member", Subdomain: "alfa"},
		{PrincipalID: "p-2", TenantID: "t-2", TenantName: "Bravo", Role: "owner", Subdomain: "bravo", CustomDomain: "learn.bravo.com"},
	}
}

func TestFindAccount(t *testing.T) {
	accounts := testAccounts()

	a, err := findAccount(accounts, "t-2")
	if err != nil {
		t.Fatalf("findAccount: %v", err)
	}
	if a.PrincipalID != "p-2" {
		t.Fatalf("got=%q", a.PrincipalID)
	}

	if _, err := findAccount(accounts, "t-9"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestAccountHost(t *testing.T) {
	accounts := testAccounts()
	if got := accounts[0].Host("aluna.app"); got != "alfa.aluna.app" {
		t.Fatalf("got=%q", got)
	}
	if got := accounts[1].Host("aluna.app"); got != "learn.bravo.com" {
		t.Fatalf("got=%q", got)
	}
}

func TestShowAccountSwitcher(t *testing.T) {
	if showAccountSwitcher(nil) {
		t.Fatalf("empty directory must not offer switching")
	}
	if showAccountSwitcher(testAccounts()[:1]) {
		t.Fatalf("single account must not offer switching")
	}
	if !showAccountSwitcher(testAccounts()) {
		t.Fatalf("two accounts should offer switching")
	}
}

func TestMemoryAccountDirectoryListByEmail(t *testing.T) {
	d := newMemoryAccountDirectory(map[string][]Account{
		"User@Example.com": {
			{PrincipalID: "p-2", TenantID: "t-2", TenantName: "Bravo"},
			{PrincipalID: "p-1", TenantID: "t-1", TenantName: "Alfa"},
		},
	})

	accounts, err := d.ListByEmail(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("ListByEmail: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("len=%d", len(accounts))
	}
	if accounts[0].TenantName != "Alfa" {
		t.Fatalf("got=%q", accounts[0].TenantName)
	}

	if _, err := d.ListByEmail(context.Background(), " "); err == nil {
		t.Fatalf("want error for empty email")
	}
}
