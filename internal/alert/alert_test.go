package alert

import (
	"strings"
	"testing"
)

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()

	a := Fingerprint("checkout", SeverityHigh, "5xx spike")
	b := Fingerprint("checkout", SeverityHigh, "5xx spike")
	if a != b {
		t.Fatalf("fingerprint not deterministic: %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("len = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprint_Normalization(t *testing.T) {
	t.Parallel()

	want := Fingerprint("checkout", SeverityHigh, "5xx spike")

	tests := []struct {
		name    string
		service string
		message string
	}{
		{"uppercase service", "CheckOut", "5xx spike"},
		{"padded service", "  checkout ", "5xx spike"},
		{"padded message", "checkout", "\t5xx spike \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Fingerprint(tt.service, SeverityHigh, tt.message); got != want {
				t.Errorf("Fingerprint(%q, high, %q) = %q, want %q", tt.service, tt.message, got, want)
			}
		})
	}
}

func TestFingerprint_Distinguishes(t *testing.T) {
	t.Parallel()

	base := Fingerprint("checkout", SeverityHigh, "5xx spike")

	others := map[string]string{
		"service":  Fingerprint("payments", SeverityHigh, "5xx spike"),
		"severity": Fingerprint("checkout", SeverityCritical, "5xx spike"),
		"message":  Fingerprint("checkout", SeverityHigh, "5XX spike"),
		"boundary": Fingerprint("checkout|high", "", "5xx spike"),
	}
	for name, fp := range others {
		if fp == base {
			t.Errorf("%s change produced the same fingerprint", name)
		}
	}
}

func TestSeverity_RankOrder(t *testing.T) {
	t.Parallel()

	sevs := Severities()
	for i := 1; i < len(sevs); i++ {
		if sevs[i-1].Rank() <= sevs[i].Rank() {
			t.Errorf("%s rank %d not above %s rank %d", sevs[i-1], sevs[i-1].Rank(), sevs[i], sevs[i].Rank())
		}
	}
	if Severity("warning").Valid() {
		t.Error("warning should not be a valid severity")
	}
}

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"critical", SeverityCritical, false},
		{" HIGH ", SeverityHigh, false},
		{"Medium", SeverityMedium, false},
		{"low", SeverityLow, false},
		{"warning", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSeverity(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSeverity(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSeverity(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestAlert_NormalizeAndTeam(t *testing.T) {
	t.Parallel()

	a := &Alert{Service: "  Checkout ", Message: " boom  "}
	a.Normalize()

	if a.Service != "checkout" {
		t.Errorf("Service = %q, want checkout", a.Service)
	}
	if a.Message != "boom" {
		t.Errorf("Message = %q, want boom", a.Message)
	}
	if a.Source != DefaultSource {
		t.Errorf("Source = %q, want %q", a.Source, DefaultSource)
	}
	if a.Team() != "checkout" {
		t.Errorf("Team = %q, want checkout", a.Team())
	}

	a.Labels = map[string]string{"team": "Platform"}
	if a.Team() != "platform" {
		t.Errorf("Team with label = %q, want platform", a.Team())
	}
}

func TestAlert_CloneIsDeep(t *testing.T) {
	t.Parallel()

	a := &Alert{ID: "a1", Labels: map[string]string{"env": "prod"}}
	cp := a.Clone()
	cp.Labels["env"] = "staging"

	if a.Labels["env"] != "prod" {
		t.Errorf("original labels mutated: %v", a.Labels)
	}
}

func TestFilter_Normalize(t *testing.T) {
	t.Parallel()

	f := Filter{Page: 0, PerPage: 1000}
	f.Normalize()
	if f.Page != 1 || f.PerPage != MaxPerPage {
		t.Errorf("Normalize = page %d per_page %d, want 1/%d", f.Page, f.PerPage, MaxPerPage)
	}

	f = Filter{Page: 3, PerPage: 20}
	f.Normalize()
	if f.Offset() != 40 {
		t.Errorf("Offset = %d, want 40", f.Offset())
	}
}

func FuzzFingerprint(f *testing.F) {
	f.Add("checkout", "high", "5xx spike")
	f.Add("", "", "")
	f.Add("Payments ", "critical", " db down\n")

	f.Fuzz(func(t *testing.T, service, severity, message string) {
		got := Fingerprint(service, Severity(severity), message)
		if len(got) != 64 {
			t.Fatalf("len = %d, want 64", len(got))
		}
		if strings.Trim(got, "0123456789abcdef") != "" {
			t.Fatalf("non-hex fingerprint %q", got)
		}
		if again := Fingerprint(service, Severity(severity), " "+message+" "); again != got {
			t.Fatalf("surrounding whitespace changed fingerprint for %q", message)
		}
	})
}
