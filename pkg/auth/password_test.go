package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("Toko#Cikole2026")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" || hash == "Toko#Cikole2026" {
		t.Fatalf("expected opaque hash, got %q", hash)
	}
	if !CheckPassword("Toko#Cikole2026", hash) {
		t.Fatalf("expected password check to pass")
	}
	if CheckPassword("toko#cikole2026", hash) {
		t.Fatalf("expected password check to fail for wrong case")
	}
	if CheckPassword("anything", "") {
		t.Fatalf("expected empty stored hash to never match")
	}
}

func TestHashPasswordRejectsOverlongInput(t *testing.T) {
	if _, err := HashPassword(strings.Repeat("a", 73)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("Str0ng#Password!"); err != nil {
		t.Fatalf("expected valid password, got: %v", err)
	}
	cases := map[string]error{
		"short1!A":         ErrPasswordTooShort,
		"alllowercase123!": ErrPasswordWeak,
		"ALLUPPERCASE123!": ErrPasswordWeak,
		"NoDigitsHere!!!":  ErrPasswordWeak,
		"NoSpecials1234":   ErrPasswordWeak,
	}
	for input, want := range cases {
		if err := ValidatePassword(input); !errors.Is(err, want) {
			t.Fatalf("ValidatePassword(%q) = %v, want %v", input, err, want)
		}
	}
}
