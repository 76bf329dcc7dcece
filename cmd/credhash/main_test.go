package main

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/credential"
)

func TestHashPinRoundTrip(t *testing.T) {
	hash, err := hashPin("4821", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !credential.NewBcryptVerifier().VerifyPin("4821", hash) {
		t.Fatalf("hash does not verify")
	}
	if _, err := hashPin("48a1", bcrypt.MinCost); err == nil {
		t.Fatalf("expected malformed pin rejection")
	}
}

func TestReadLine(t *testing.T) {
	pin, err := readLine(strings.NewReader("  1234 \n"))
	if err != nil || pin != "1234" {
		t.Fatalf("pin=%q err=%v", pin, err)
	}
	if _, err := readLine(strings.NewReader("\n")); err == nil {
		t.Fatalf("expected empty pin error")
	}
}
