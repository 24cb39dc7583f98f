package registry

import "testing"

func TestDefaultRegistry(t *testing.T) {
	r, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := r.MarketName("7u3HeHxYDLhnCoErrtycNokbQYbWGzLs6JSDqGAv5PfF"); got != "Main Market" {
		t.Errorf("MarketName = %q, want Main Market", got)
	}
	if got := r.TokenName("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"); got != "USDC" {
		t.Errorf("TokenName = %q, want USDC", got)
	}
	if got := r.ObligationName("4reVLzoLVGis15oaGXfAkftyRe21emmy9iANbmfHUAWo"); got != "Jito Loan" {
		t.Errorf("ObligationName = %q, want Jito Loan", got)
	}

	tok, ok := r.TokenByID("solana")
	if !ok || tok.Mint != "So11111111111111111111111111111111111111112" {
		t.Errorf("TokenByID(solana) = %+v, %v", tok, ok)
	}
}

func TestUnknownFallsBackToAddress(t *testing.T) {
	r, err := Parse([]byte("markets: []\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := r.MarketName("unknown"); got != "unknown" {
		t.Errorf("MarketName = %q, want unknown", got)
	}
	if _, ok := r.TokenByMint("x"); ok {
		t.Error("TokenByMint should miss on empty registry")
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse([]byte("markets: [")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
