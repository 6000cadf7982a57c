package oracle

import (
	"errors"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetIndexPrice_RejectsStaleSequences(t *testing.T) {
	o := New(zerolog.Nop())

	if !o.SetIndexPrice("vBAYC", big.NewInt(100), 5, 1000) {
		t.Fatal("first observation rejected")
	}
	if o.SetIndexPrice("vBAYC", big.NewInt(200), 5, 1001) {
		t.Error("duplicate sequence accepted")
	}
	if o.SetIndexPrice("vBAYC", big.NewInt(200), 4, 1001) {
		t.Error("older sequence accepted")
	}

	got, err := o.GetIndexPrice("vBAYC")
	if err != nil {
		t.Fatalf("GetIndexPrice: %v", err)
	}
	if got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("price = %s, want the original 100", got)
	}
}

func TestSetIndexPrice_SequenceGapsTolerated(t *testing.T) {
	o := New(zerolog.Nop())

	o.SetIndexPrice("vBAYC", big.NewInt(100), 1, 1000)
	if !o.SetIndexPrice("vBAYC", big.NewInt(120), 10, 2000) {
		t.Fatal("gapped sequence rejected")
	}
	latest := o.Latest("vBAYC")
	if latest == nil || latest.Sequence != 10 {
		t.Fatalf("latest = %+v, want sequence 10", latest)
	}
}

func TestSetIndexPrice_RejectsNonPositive(t *testing.T) {
	o := New(zerolog.Nop())

	if o.SetIndexPrice("vBAYC", big.NewInt(0), 1, 1000) {
		t.Error("zero price accepted")
	}
	if o.SetIndexPrice("vBAYC", big.NewInt(-1), 2, 1000) {
		t.Error("negative price accepted")
	}
	if o.SetIndexPrice("vBAYC", nil, 3, 1000) {
		t.Error("nil price accepted")
	}
	if _, err := o.GetIndexPrice("vBAYC"); !errors.Is(err, ErrNoIndexPrice) {
		t.Errorf("err = %v, want ErrNoIndexPrice", err)
	}
}

func TestGetIndexPrice_ReturnsCopy(t *testing.T) {
	o := New(zerolog.Nop())
	o.SetIndexPrice("vBAYC", big.NewInt(100), 1, 1000)

	p, _ := o.GetIndexPrice("vBAYC")
	p.SetInt64(999)

	again, _ := o.GetIndexPrice("vBAYC")
	if again.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("price mutated through returned pointer: %s", again)
	}
}
