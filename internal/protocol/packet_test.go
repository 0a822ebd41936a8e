package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewRequest_Fields(t *testing.T) {
	req := NewRequest(CmdGetParameter, ParamSWMajor)

	if req.Command != CmdGetParameter {
		t.Errorf("NewRequest Command = 0x%02X, want 0x%02X", req.Command, CmdGetParameter)
	}
	if !bytes.Equal(req.Args, []byte{ParamSWMajor}) {
		t.Errorf("NewRequest Args = %v, want %v", req.Args, []byte{ParamSWMajor})
	}
}

func TestRequest_Encode_NoArgs(t *testing.T) {
	tests := []struct {
		name     string
		req      *Request
		expected []byte
	}{
		{"sync", GetSync(), []byte{0x30, 0x20}},
		{"enter", EnterProgmode(), []byte{0x50, 0x20}},
		{"leave", LeaveProgmode(), []byte{0x51, 0x20}},
		{"signature", ReadSignature(), []byte{0x75, 0x20}},
	}

	for _, tc := range tests {
		result := tc.req.Encode()
		if !bytes.Equal(result, tc.expected) {
			t.Errorf("%s Encode() = % X, want % X", tc.name, result, tc.expected)
		}
	}
}

func TestRequest_Encode_GetParameter(t *testing.T) {
	major := GetParameter(ParamSWMajor).Encode()
	if !bytes.Equal(major, []byte{0x41, 0x81, 0x20}) {
		t.Errorf("GetParameter(major) = % X, want 41 81 20", major)
	}

	minor := GetParameter(ParamSWMinor).Encode()
	if !bytes.Equal(minor, []byte{0x41, 0x82, 0x20}) {
		t.Errorf("GetParameter(minor) = % X, want 41 82 20", minor)
	}
}

func TestLoadAddress_LittleEndianWord(t *testing.T) {
	tests := []struct {
		word     uint16
		expected []byte
	}{
		{0, []byte{0x55, 0x00, 0x00, 0x20}},
		{64, []byte{0x55, 0x40, 0x00, 0x20}},
		{256, []byte{0x55, 0x00, 0x01, 0x20}},
		{0x3FC0, []byte{0x55, 0xC0, 0x3F, 0x20}},
	}

	for _, tc := range tests {
		result := LoadAddress(tc.word).Encode()
		if !bytes.Equal(result, tc.expected) {
			t.Errorf("LoadAddress(%d) = % X, want % X", tc.word, result, tc.expected)
		}
	}
}

func TestProgramPage_Format(t *testing.T) {
	data := make([]byte, 72)
	for i := range data {
		data[i] = byte(i)
	}

	encoded := ProgramPage(data, MemTypeFlash).Encode()

	if len(encoded) != 4+len(data)+1 {
		t.Fatalf("Encode() length = %d, want %d", len(encoded), 4+len(data)+1)
	}
	if encoded[0] != CmdProgramPage {
		t.Errorf("Encode()[0] = 0x%02X, want 0x%02X", encoded[0], CmdProgramPage)
	}
	if encoded[1] != 0x00 || encoded[2] != 72 {
		t.Errorf("Encode() size = 0x%02X%02X, want 0x0048", encoded[1], encoded[2])
	}
	if encoded[3] != MemTypeFlash {
		t.Errorf("Encode()[3] memtype = 0x%02X, want 0x46", encoded[3])
	}
	if !bytes.Equal(encoded[4:4+len(data)], data) {
		t.Errorf("Encode() data mismatch")
	}
	if encoded[len(encoded)-1] != SyncCRCEOP {
		t.Errorf("Encode() last byte = 0x%02X, want 0x20", encoded[len(encoded)-1])
	}
}

func TestProgramPage_FullPage(t *testing.T) {
	encoded := ProgramPage(make([]byte, FlashPageSize), MemTypeFlash).Encode()
	if encoded[1] != 0x00 || encoded[2] != 0x80 {
		t.Errorf("Encode() size = 0x%02X%02X, want 0x0080", encoded[1], encoded[2])
	}
}

func TestDecodeResponse_Valid(t *testing.T) {
	decoded, err := DecodeResponse([]byte{RespInSync, 0x1E, 0x95, 0x0F, RespOK}, SignatureSize)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}

	if !decoded.IsSuccess() {
		t.Errorf("IsSuccess() = false, want true")
	}
	if !bytes.Equal(decoded.Data, []byte{0x1E, 0x95, 0x0F}) {
		t.Errorf("DecodeResponse Data = % X, want 1E 95 0F", decoded.Data)
	}
}

func TestDecodeResponse_NoPayload(t *testing.T) {
	decoded, err := DecodeResponse([]byte{RespInSync, RespOK}, 0)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if len(decoded.Data) != 0 {
		t.Errorf("DecodeResponse Data = %v, want empty", decoded.Data)
	}
}

func TestDecodeResponse_LengthMismatch(t *testing.T) {
	_, err := DecodeResponse([]byte{RespInSync, RespOK}, 1)
	if err == nil {
		t.Fatal("DecodeResponse with short data expected error, got nil")
	}
	if !strings.Contains(err.Error(), "length mismatch") {
		t.Errorf("DecodeResponse error = %v, want error containing 'length mismatch'", err)
	}
}

func TestResponse_IsSuccess(t *testing.T) {
	tests := []struct {
		inSync   byte
		ok       byte
		expected bool
	}{
		{RespInSync, RespOK, true},
		{RespNoSync, RespOK, false},
		{RespInSync, 0x00, false},
		{0x00, 0x00, false},
	}

	for _, tc := range tests {
		resp := &Response{InSync: tc.inSync, OK: tc.ok}
		if result := resp.IsSuccess(); result != tc.expected {
			t.Errorf("IsSuccess(0x%02X, 0x%02X) = %v, want %v", tc.inSync, tc.ok, result, tc.expected)
		}
	}
}

func TestResponseSize(t *testing.T) {
	tests := []struct {
		cmd      byte
		expected int
	}{
		{CmdGetSync, 0},
		{CmdGetParameter, 1},
		{CmdReadSignature, 3},
		{CmdProgramPage, 0},
	}

	for _, tc := range tests {
		if result := ResponseSize(tc.cmd); result != tc.expected {
			t.Errorf("ResponseSize(0x%02X) = %d, want %d", tc.cmd, result, tc.expected)
		}
	}
}
