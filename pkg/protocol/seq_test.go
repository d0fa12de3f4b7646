package protocol

import (
	"errors"
	"testing"
)

func TestSeqGuardContiguous(t *testing.T) {
	var g SeqGuard
	for seq := uint64(1); seq <= 5; seq++ {
		if err := g.Observe(seq); err != nil {
			t.Fatalf("Observe(%d) error = %v", seq, err)
		}
	}
	if g.Last() != 5 {
		t.Errorf("Last() = %d, want 5", g.Last())
	}
}

func TestSeqGuardViolations(t *testing.T) {
	tests := []struct {
		name string
		seen []uint64
		bad  uint64
		want uint64 // expected sequence at the failure
	}{
		{"gap", []uint64{1}, 3, 2},
		{"regression", []uint64{1, 2}, 1, 3},
		{"repeat", []uint64{1, 2}, 2, 3},
		{"first patch must be one", nil, 0, 1},
		{"first patch skipped ahead", nil, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g SeqGuard
			for _, seq := range tt.seen {
				if err := g.Observe(seq); err != nil {
					t.Fatalf("Observe(%d) error = %v", seq, err)
				}
			}
			err := g.Observe(tt.bad)
			if !errors.Is(err, ErrOutOfSequence) {
				t.Fatalf("Observe(%d) error = %v, want ErrOutOfSequence", tt.bad, err)
			}
			var seqErr *SequenceError
			if !errors.As(err, &seqErr) {
				t.Fatalf("error = %T, want *SequenceError", err)
			}
			if seqErr.Want != tt.want || seqErr.Got != tt.bad {
				t.Errorf("SequenceError = want %d got %d, expected want %d got %d",
					seqErr.Want, seqErr.Got, tt.want, tt.bad)
			}
		})
	}
}

func TestSeqGuardDoesNotAdvanceOnFailure(t *testing.T) {
	var g SeqGuard
	if err := g.Observe(1); err != nil {
		t.Fatalf("Observe(1) error = %v", err)
	}
	if err := g.Observe(5); err == nil {
		t.Fatal("Observe(5) expected error")
	}
	if err := g.Observe(2); err != nil {
		t.Errorf("Observe(2) after rejected gap error = %v", err)
	}
}

func TestSeqGuardReset(t *testing.T) {
	var g SeqGuard
	g.Reset(7)
	if err := g.Observe(8); err != nil {
		t.Errorf("Observe(8) after Reset(7) error = %v", err)
	}
	if err := g.Observe(8); err == nil {
		t.Error("Observe(8) twice expected error")
	}
	g.Reset(0)
	if err := g.Observe(1); err != nil {
		t.Errorf("Observe(1) after Reset(0) error = %v", err)
	}
}
