package template

import (
	"testing"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

func TestExpandSubstitutesKnownTokens(t *testing.T) {
	got := Expand("Hi {{name}}, your email is {{email}}", map[string]string{"name": "Alice", "email": "a@example.com"})
	want := "Hi Alice, your email is a@example.com"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExpandUnknownTokenBecomesEmpty(t *testing.T) {
	got := Expand("Hi {{nickname}}!", map[string]string{"name": "Alice"})
	if got != "Hi !" {
		t.Fatalf("got %q, want %q", got, "Hi !")
	}
}

func TestExpandUnclosedTokenLeftVerbatim(t *testing.T) {
	got := Expand("Hi {{name, welcome", map[string]string{"name": "Alice"})
	if got != "Hi {{name, welcome" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandNestedOpenBraceLeftVerbatim(t *testing.T) {
	got := Expand("Hi {{ {{name}} }}", map[string]string{"name": "Alice"})
	if got != "Hi {{ {{name}} }}" {
		t.Fatalf("got %q", got)
	}
}

func TestMergedVariablesPrecedence(t *testing.T) {
	recipient := domain.Recipient{
		Email:        "a@example.com",
		DisplayName:  "Alice",
		CustomFields: map[string]any{"plan": "pro"},
	}
	vars := MergedVariables(recipient, []string{"vip", "trial"})
	if vars["email"] != "a@example.com" || vars["name"] != "Alice" || vars["plan"] != "pro" || vars["tags"] != "vip, trial" {
		t.Fatalf("unexpected vars: %#v", vars)
	}
}
