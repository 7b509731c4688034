package vault_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ironclaw/ironclaw/internal/vault"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func openVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault.json"), vault.StaticKeychain{Key: testKey})
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	return v
}

func TestPutResolveRoundTrip(t *testing.T) {
	v := openVault(t)
	if err := v.Put("GITHUB_TOKEN", vault.KindBearer, "ghp_abcdef1234567890", []string{"github"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := v.ResolveForHost("github", "GITHUB_TOKEN")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "ghp_abcdef1234567890" {
		t.Fatalf("resolved value = %q", got)
	}
}

func TestResolveOutOfScope(t *testing.T) {
	v := openVault(t)
	if err := v.Put("GITHUB_TOKEN", vault.KindBearer, "ghp_abcdef1234567890", []string{"github"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := v.ResolveForHost("weather", "GITHUB_TOKEN"); err == nil {
		t.Fatal("expected scope error for tool outside credential scope")
	}
	if _, err := v.ResolveForHost("github", "MISSING"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestWildcardScope(t *testing.T) {
	v := openVault(t)
	if err := v.Put("SHARED", vault.KindAPIKey, "shared-value-123", []string{"*"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := v.ResolveForHost("anything", "SHARED"); err != nil {
		t.Fatalf("wildcard scope must resolve: %v", err)
	}
}

func TestListNeverExposesValues(t *testing.T) {
	v := openVault(t)
	if err := v.Put("API_KEY", vault.KindAPIKey, "super-secret-value", []string{"github"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, c := range v.List() {
		if c.Ciphertext != "" {
			t.Fatalf("List leaked ciphertext for %s", c.ID)
		}
	}
}

func TestPersistenceAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	kc := vault.StaticKeychain{Key: testKey}

	v, err := vault.Open(path, kc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := v.Put("TOKEN", vault.KindBearer, "persisted-token-value", []string{"*"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	reopened, err := vault.Open(path, kc)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.ResolveForHost("tool", "TOKEN")
	if err != nil {
		t.Fatalf("resolve after reopen: %v", err)
	}
	if got != "persisted-token-value" {
		t.Fatalf("resolved value = %q", got)
	}
}

func TestResolvePlaceholders(t *testing.T) {
	v := openVault(t)
	if err := v.Put("WEATHER_KEY", vault.KindAPIKey, "wk-0123456789abcdef", []string{"weather"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	payload := "GET /data?appid=" + vault.Placeholder("WEATHER_KEY")
	out, err := v.ResolvePlaceholders("weather", payload)
	if err != nil {
		t.Fatalf("resolve placeholders: %v", err)
	}
	if out != "GET /data?appid=wk-0123456789abcdef" {
		t.Fatalf("resolved payload = %q", out)
	}

	// A tool outside scope cannot resolve the reference.
	if _, err := v.ResolvePlaceholders("github", payload); err == nil {
		t.Fatal("expected scope error resolving placeholder for out-of-scope tool")
	}
}

func TestScannerFindsLeakedValue(t *testing.T) {
	v := openVault(t)
	if err := v.Put("GITHUB_TOKEN", vault.KindBearer, "ghp_abcdef1234567890", []string{"github"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	body := []byte(`{"debug_info": "token is ghp_abcdef1234567890"}`)
	hits := v.Scanner().Scan(body)
	found := false
	for _, h := range hits {
		if h.CredentialID == "GITHUB_TOKEN" {
			found = true
		}
	}
	if !found {
		t.Fatalf("scanner missed credential value in outbound body, hits=%v", hits)
	}

	// A payload carrying only the placeholder is clean.
	if hits := v.Scanner().Scan([]byte(vault.Placeholder("GITHUB_TOKEN"))); len(hits) != 0 {
		t.Fatalf("placeholder must not trigger the scanner, hits=%v", hits)
	}
}

func TestScannerRebuiltOnDelete(t *testing.T) {
	v := openVault(t)
	if err := v.Put("TOKEN", vault.KindBearer, "short-lived-token-1", []string{"*"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if hits := v.Scanner().Scan([]byte("short-lived-token-1")); len(hits) == 0 {
		t.Fatal("expected hit before delete")
	}
	if err := v.Delete("TOKEN"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if hits := v.Scanner().Scan([]byte("short-lived-token-1")); len(hits) != 0 {
		t.Fatalf("deleted credential must leave the corpus, hits=%v", hits)
	}
}

func TestExtraSecretScannedButNotResolvable(t *testing.T) {
	v := openVault(t)
	if err := v.AddExtraSecret("my-home-address-42"); err != nil {
		t.Fatalf("add extra secret: %v", err)
	}

	hits := v.Scanner().Scan([]byte("shipping to my-home-address-42 tomorrow"))
	if len(hits) != 1 || hits[0].CredentialID != "user-secret" {
		t.Fatalf("expected user-secret hit, got %v", hits)
	}
	if _, err := v.ResolveForHost("any", "user-secret"); err == nil {
		t.Fatal("extra secrets must not be resolvable")
	}
}

func TestShortValuesSkipCorpus(t *testing.T) {
	v := openVault(t)
	if err := v.Put("PIN", vault.KindAPIKey, "1234", []string{"*"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if hits := v.Scanner().Scan([]byte("the year 1234 was eventful")); len(hits) != 0 {
		t.Fatalf("short value must not enter the scan corpus, hits=%v", hits)
	}
}

func TestHitNeverCarriesValue(t *testing.T) {
	v := openVault(t)
	secret := "extremely-secret-value-xyz"
	if err := v.Put("S", vault.KindAPIKey, secret, []string{"*"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, h := range v.Scanner().Scan([]byte("leak: " + secret)) {
		if strings.Contains(h.CredentialID, secret) || strings.Contains(h.Pattern, secret) {
			t.Fatalf("hit carries the secret value: %+v", h)
		}
	}
}
