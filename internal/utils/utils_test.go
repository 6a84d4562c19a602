package utils

import (
	"testing"
)

func TestConvertStrToInt(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    uint64
		wantErr bool
	}{
		{name: "hex", in: "0xfffffe0007004000", want: 0xfffffe0007004000},
		{name: "hex upper", in: "0XFFFF", want: 0xffff},
		{name: "hex without prefix", in: "ff", want: 0xff},
		{name: "decimal", in: "4096", want: 4096},
		{name: "padded", in: " 0x10 ", want: 0x10},
		{name: "garbage", in: "0xzz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConvertStrToInt(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ConvertStrToInt(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ConvertStrToInt(%q) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

func TestStrSliceHas(t *testing.T) {
	archs := []string{"arm64e", "x86_64"}
	if !StrSliceHas(archs, "ARM64E") {
		t.Error("StrSliceHas() is case sensitive")
	}
	if StrSliceHas(archs, "arm64") {
		t.Error("StrSliceHas() matched a prefix")
	}
}
