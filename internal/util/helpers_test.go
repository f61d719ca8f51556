package util

import (
	"log/slog"
	"testing"
)

func TestBoolValue(t *testing.T) {
	if got := BoolValue(nil, true); got != true {
		t.Fatalf("BoolValue(nil, true) = %v, want true", got)
	}
	if got := BoolValue(nil, false); got != false {
		t.Fatalf("BoolValue(nil, false) = %v, want false", got)
	}
	val := true
	if got := BoolValue(&val, false); got != true {
		t.Fatalf("BoolValue(true, false) = %v, want true", got)
	}
	val = false
	if got := BoolValue(&val, true); got != false {
		t.Fatalf("BoolValue(false, true) = %v, want false", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFormatters(t *testing.T) {
	if got := FormatBytes(10 * 1024 * 1024); got != "10.0 MiB" {
		t.Fatalf("FormatBytes = %q, want %q", got, "10.0 MiB")
	}
	if got := FormatMbps(80); got != "80.00 Mbps" {
		t.Fatalf("FormatMbps = %q, want %q", got, "80.00 Mbps")
	}
	if got := FormatMbps(2048); got != "2.00 Gbps" {
		t.Fatalf("FormatMbps = %q, want %q", got, "2.00 Gbps")
	}
	if got := FormatMillis(21.4); got != "21.40 ms" {
		t.Fatalf("FormatMillis = %q, want %q", got, "21.40 ms")
	}
}
