package room

import "testing"

func TestSaturateInt16ClampsOverflow(t *testing.T) {
	if got := saturateInt16(40000); got != 32767 {
		t.Errorf("saturateInt16(40000) = %d, want 32767", got)
	}
	if got := saturateInt16(-40000); got != -32768 {
		t.Errorf("saturateInt16(-40000) = %d, want -32768", got)
	}
	if got := saturateInt16(100); got != 100 {
		t.Errorf("saturateInt16(100) = %d, want 100", got)
	}
}

func TestResampleLinearSameRateIsNoOp(t *testing.T) {
	in := []int16{1, 2, 3, 4}
	out := resampleLinear(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestResampleLinearUpsamplesLength(t *testing.T) {
	in := make([]int16, 160) // 10ms at 16kHz
	out := resampleLinear(in, 16000, 48000)
	want := 480 // 10ms at 48kHz
	if len(out) != want {
		t.Fatalf("len(out) = %d, want %d", len(out), want)
	}
}

func TestResampleLinearEmptyInput(t *testing.T) {
	out := resampleLinear(nil, 16000, 48000)
	if out != nil {
		t.Errorf("resampleLinear(nil, ...) = %v, want nil", out)
	}
}
