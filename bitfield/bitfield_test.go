package bitfield

import "testing"

func TestHasPiece(t *testing.T) {
	bf := Bitfield{0x28, 0x01}
	expected := map[int]bool{0: false, 2: true, 4: true, 5: false, 15: true, 16: false, -1: false}
	for index, has := range expected {
		if bf.HasPiece(index) != has {
			t.Errorf("expected HasPiece(%d) == %v", index, has)
		}
	}
}

func TestSetPiece(t *testing.T) {
	bf := New(10)
	if len(bf) != 2 {
		t.Fatalf("expected 2 bytes, got %d", len(bf))
	}
	bf.SetPiece(0)
	bf.SetPiece(9)
	bf.SetPiece(99) // ignored
	if bf[0] != 0x80 || bf[1] != 0x40 {
		t.Errorf("expected [0x80 0x40], got %x", []byte(bf))
	}
	if bf.Count() != 2 {
		t.Errorf("expected 2 pieces, got %d", bf.Count())
	}
}

func TestValidate(t *testing.T) {
	if err := (Bitfield{0xff, 0xc0}).Validate(10); err != nil {
		t.Errorf("expected valid bitfield, got %v", err)
	}
	if err := (Bitfield{0xff, 0xe0}).Validate(10); err == nil {
		t.Errorf("expected spare bit error")
	}
	if err := (Bitfield{0xff}).Validate(10); err == nil {
		t.Errorf("expected length error")
	}
}
