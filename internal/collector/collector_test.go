package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePrices struct {
	ranges map[string]PriceRange
	err    error
	calls  int
}

func (f *fakePrices) PriceRange(_ context.Context, service string) (PriceRange, error) {
	f.calls++
	if f.err != nil {
		return PriceRange{}, f.err
	}
	return f.ranges[service], nil
}

func testCatalog() Catalog {
	return Catalog{
		{ID: "svc-1", Name: "Plumbing", Category: "Home Repair"},
		{ID: "svc-2", Name: "House Cleaning", Category: "Cleaning"},
		{ID: "svc-3", Name: "Deep Cleaning", Category: "Cleaning"},
		{ID: "svc-4", Name: "Electrician", Category: "Electrical"},
	}
}

func newTestCollector(prices PriceLookup) *Collector {
	return New(testCatalog(), prices, discardLogger())
}

func TestExtractFromTurn(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		known Fields
		want  TurnExtraction
	}{
		{
			name: "budget and zip in one sentence",
			text: "I need plumbing help, budget is $250, zip 75001",
			want: TurnExtraction{Fields: Fields{Budget: "$250", Zipcode: "75001"}},
		},
		{
			name:  "dollar suffix distinct from known zip",
			text:  "300$",
			known: Fields{Zipcode: "30000"},
			want:  TurnExtraction{Fields: Fields{Budget: "$300"}},
		},
		{
			name: "dollars word",
			text: "I can do 75 dollars",
			want: TurnExtraction{Fields: Fields{Budget: "$75"}},
		},
		{
			name: "context word with thousands separator",
			text: "my budget is around 1,200",
			want: TurnExtraction{Fields: Fields{Budget: "$1200"}},
		},
		{
			name: "cents are kept",
			text: "$99.50 tops",
			want: TurnExtraction{Fields: Fields{Budget: "$99.50"}},
		},
		{
			name: "context number equal to zip is discarded",
			text: "max 75001 and zip 75001",
			want: TurnExtraction{Fields: Fields{Zipcode: "75001"}},
		},
		{
			name:  "context number equal to known zip is discarded",
			text:  "the price is 75001",
			known: Fields{Zipcode: "75001"},
			want:  TurnExtraction{Fields: Fields{Zipcode: "75001"}},
		},
		{
			name:  "amount matching a leading-zero zip without its zeros is kept",
			text:  "I can pay 2134 dollars",
			known: Fields{Zipcode: "02134"},
			want:  TurnExtraction{Fields: Fields{Budget: "$2134"}},
		},
		{
			name: "leading-zero zip and budget in one turn",
			text: "Boston 02134, budget $2134",
			want: TurnExtraction{Fields: Fields{Budget: "$2134", Zipcode: "02134"}},
		},
		{
			name:  "amount typed with the zip's leading zero is discarded",
			text:  "the price is 02134",
			known: Fields{Zipcode: "02134"},
			want:  TurnExtraction{Fields: Fields{Zipcode: "02134"}},
		},
		{
			name: "dollar amount is not a zip",
			text: "$25000 for a remodel",
			want: TurnExtraction{Fields: Fields{Budget: "$25000"}},
		},
		{
			name: "budget below sanity range",
			text: "$5",
			want: TurnExtraction{},
		},
		{
			name: "zip plus four",
			text: "I'm at 12345-6789",
			want: TurnExtraction{Fields: Fields{Zipcode: "12345"}},
		},
		{
			name: "all zeros zip rejected",
			text: "zip 00000",
			want: TurnExtraction{},
		},
		{
			name: "only the first standalone zip is used",
			text: "00000 or maybe 75001",
			want: TurnExtraction{},
		},
		{
			name: "location is context only",
			text: "need a plumber in Plano soon",
			want: TurnExtraction{Location: "Plano"},
		},
		{
			name: "service name is never extracted",
			text: "Plumbing",
			want: TurnExtraction{},
		},
	}

	c := newTestCollector(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.ExtractFromTurn(context.Background(), tt.text, tt.known)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ExtractFromTurn(%q) mismatch (-want +got):\n%s", tt.text, diff)
			}
		})
	}
}

func TestExtractFromTurn_PriceRange(t *testing.T) {
	prices := &fakePrices{ranges: map[string]PriceRange{"Plumbing": {Min: 80, Max: 1000}}}
	c := newTestCollector(prices)
	known := Fields{Service: "Plumbing"}

	got := c.ExtractFromTurn(context.Background(), "I can spend $5000", known)
	if got.Budget != "" {
		t.Errorf("expected budget over service max to be rejected, got %q", got.Budget)
	}

	got = c.ExtractFromTurn(context.Background(), "I can spend $500", known)
	if got.Budget != "$500" {
		t.Errorf("expected $500, got %q", got.Budget)
	}
	if prices.calls == 0 {
		t.Error("expected price lookup to be consulted")
	}
}

func TestExtractFromTurn_PriceLookupFailureDegrades(t *testing.T) {
	prices := &fakePrices{err: errors.New("backend down")}
	c := newTestCollector(prices)

	got := c.ExtractFromTurn(context.Background(), "I can spend $5000", Fields{Service: "Plumbing"})
	if got.Budget != "$5000" {
		t.Errorf("expected basic check to accept $5000, got %q", got.Budget)
	}

	got = c.ExtractFromTurn(context.Background(), "I can spend $500000", Fields{Service: "Plumbing"})
	if got.Budget != "" {
		t.Errorf("expected basic check to reject $500000, got %q", got.Budget)
	}
}

func TestExtractFromHistory(t *testing.T) {
	turns := []Turn{
		{Sender: SenderAssistant, Text: "Hi! What can I help you with?"},
		{Sender: SenderUser, Text: "Hi"},
		{Sender: SenderAssistant, Text: "Which service do you need?"},
		{Sender: SenderUser, Text: "plumbing"},
		{Sender: SenderUser, Text: "75001"},
		{Sender: SenderUser, Text: "$200"},
		{Sender: SenderUser, Text: "Kitchen sink is leaking under the cabinet"},
		{Sender: SenderUser, Text: "Electrician"},
		{Sender: SenderUser, Text: "90210"},
	}

	c := newTestCollector(nil)
	got := c.ExtractFromHistory(context.Background(), turns)
	want := Fields{
		Service:      "Plumbing",
		Budget:       "$200",
		Zipcode:      "75001",
		Requirements: "Kitchen sink is leaking under the cabinet",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ExtractFromHistory mismatch (-want +got):\n%s", diff)
	}

	again := c.ExtractFromHistory(context.Background(), turns)
	if diff := cmp.Diff(got, again); diff != "" {
		t.Errorf("ExtractFromHistory is not deterministic:\n%s", diff)
	}
}

func TestExtractFromHistory_IgnoresAssistantTurns(t *testing.T) {
	turns := []Turn{
		{Sender: SenderAssistant, Text: "Plumbing"},
		{Sender: SenderAssistant, Text: "Typical budget is $300 in 75001"},
	}
	got := newTestCollector(nil).ExtractFromHistory(context.Background(), turns)
	if diff := cmp.Diff(Fields{}, got); diff != "" {
		t.Errorf("expected empty fields (-want +got):\n%s", diff)
	}
}

func TestManualEditSurvivesHistoryMerge(t *testing.T) {
	c := newTestCollector(nil)
	turns := []Turn{
		{Sender: SenderUser, Text: "zip 75001"},
	}

	fields, locked := RecordManualEdit(Fields{}, nil, FieldZipcode, "90210")
	if !locked.Has(FieldZipcode) {
		t.Fatal("expected zipcode to be locked after manual edit")
	}

	merged := MergeExtraction(fields, c.ExtractFromHistory(context.Background(), turns), locked)
	if merged.Zipcode != "90210" {
		t.Errorf("expected manual zipcode 90210 to survive, got %q", merged.Zipcode)
	}

	// A cleared but locked field stays cleared.
	cleared, locked := RecordManualEdit(merged, locked, FieldZipcode, "")
	merged = MergeExtraction(cleared, Fields{Zipcode: "75001"}, locked)
	if merged.Zipcode != "" {
		t.Errorf("expected cleared locked zipcode to stay empty, got %q", merged.Zipcode)
	}
}

func TestLocationFromHistory(t *testing.T) {
	turns := []Turn{
		{Sender: SenderUser, Text: "I live in Austin"},
		{Sender: SenderAssistant, Text: "Great, we cover Round Rock too"},
		{Sender: SenderUser, Text: "Actually the job is near Round Rock"},
	}
	if got := LocationFromHistory(turns); got != "Round Rock" {
		t.Errorf("expected Round Rock, got %q", got)
	}
}

func TestValidateZipcode(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"75001", "75001", false},
		{" 90210-1234 ", "90210", false},
		{"7500", "", true},
		{"00000", "", true},
		{"99999", "", true},
		{"abcde", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ValidateZipcode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateZipcode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateZipcode(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if err != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) || verr.Field != FieldZipcode {
					t.Errorf("expected zipcode ValidationError, got %v", err)
				}
			}
		})
	}
}

func TestNormalizeBudget(t *testing.T) {
	prices := &fakePrices{ranges: map[string]PriceRange{"Plumbing": {Min: 80, Max: 1000}}}
	c := newTestCollector(prices)
	ctx := context.Background()

	tests := []struct {
		name    string
		service string
		input   string
		want    string
		wantErr bool
	}{
		{"plain number", "", "250", "$250", false},
		{"dollar prefix", "", "$1,500", "$1500", false},
		{"dollar suffix", "", "300$", "$300", false},
		{"dollars word", "", "40 dollars", "$40", false},
		{"not a number", "", "cheap", "", true},
		{"too small", "", "$3", "", true},
		{"over service max", "Plumbing", "$2000", "", true},
		{"within service max", "Plumbing", "$900", "$900", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.NormalizeBudget(ctx, tt.service, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeBudget(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeBudget(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
