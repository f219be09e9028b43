package worker

import "testing"

func TestParseAddressBarePort(t *testing.T) {
	if got := ParseAddress("9000"); got != "127.0.0.1:9000" {
		t.Errorf("ParseAddress(\"9000\") = %q, want 127.0.0.1:9000", got)
	}
}

func TestParseAddressHostPortUnchanged(t *testing.T) {
	if got := ParseAddress("example.com:9000"); got != "example.com:9000" {
		t.Errorf("ParseAddress(\"example.com:9000\") = %q, want unchanged", got)
	}
}
