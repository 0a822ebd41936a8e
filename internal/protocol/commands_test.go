package protocol

import "testing"

func TestPartName_Known(t *testing.T) {
	tests := []struct {
		sig      Signature
		expected string
	}{
		{Signature{0x1E, 0x95, 0x0F}, "ATmega328P"},
		{Signature{0x1E, 0x94, 0x06}, "ATmega168"},
		{Signature{0x1E, 0x98, 0x01}, "ATmega2560"},
	}

	for _, tc := range tests {
		if result := PartName(tc.sig); result != tc.expected {
			t.Errorf("PartName(%s) = %q, want %q", tc.sig, result, tc.expected)
		}
	}
}

func TestPartName_Unknown(t *testing.T) {
	unknown := []Signature{{0, 0, 0}, {0xFF, 0xFF, 0xFF}}
	for _, sig := range unknown {
		if result := PartName(sig); result != "unknown AVR" {
			t.Errorf("PartName(%s) = %q, want %q", sig, result, "unknown AVR")
		}
	}
}

func TestSignature_String(t *testing.T) {
	sig := Signature{0x1E, 0x95, 0x0F}
	if s := sig.String(); s != "1E 95 0F" {
		t.Errorf("Signature.String() = %q, want %q", s, "1E 95 0F")
	}
}

func TestCommandName(t *testing.T) {
	tests := []struct {
		cmd      byte
		expected string
	}{
		{CmdGetSync, "get sync"},
		{CmdGetParameter, "get parameter"},
		{CmdEnterProgmode, "enter program mode"},
		{CmdLeaveProgmode, "leave program mode"},
		{CmdLoadAddress, "load address"},
		{CmdProgramPage, "program page"},
		{CmdReadSignature, "read signature"},
		{0xFF, "unknown command"},
	}

	for _, tc := range tests {
		if result := CommandName(tc.cmd); result != tc.expected {
			t.Errorf("CommandName(0x%02X) = %q, want %q", tc.cmd, result, tc.expected)
		}
	}
}

func TestCommandConstants(t *testing.T) {
	if SyncCRCEOP != 0x20 {
		t.Errorf("SyncCRCEOP = 0x%02X, want 0x20", SyncCRCEOP)
	}
	if RespInSync != 0x14 {
		t.Errorf("RespInSync = 0x%02X, want 0x14", RespInSync)
	}
	if RespOK != 0x10 {
		t.Errorf("RespOK = 0x%02X, want 0x10", RespOK)
	}
	if MemTypeFlash != 'F' {
		t.Errorf("MemTypeFlash = 0x%02X, want 'F'", MemTypeFlash)
	}
}
