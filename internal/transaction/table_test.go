package transaction_test

import (
	"context"
	"testing"

	"github.com/nabbar/tftpd/internal/transaction"
)

func TestAdmitFillsCapacityThenRejects(t *testing.T) {
	tbl := transaction.New(context.Background(), 2)

	if _, ok := tbl.Admit(0, 0, 1000, 2000, "10.0.0.1"); !ok {
		t.Fatalf("expected first admit to succeed")
	}
	if _, ok := tbl.Admit(1, 1, 1001, 2001, "10.0.0.2"); !ok {
		t.Fatalf("expected second admit to succeed")
	}
	if _, ok := tbl.Admit(2, 2, 1002, 2002, "10.0.0.3"); ok {
		t.Fatalf("expected third admit to fail: table is at capacity")
	}
	if got := tbl.ActiveCount(); got != 2 {
		t.Fatalf("ActiveCount() = %d, want 2", got)
	}
	if got := tbl.Capacity(); got != 2 {
		t.Fatalf("Capacity() = %d, want 2", got)
	}
}

func TestClearByTIDFreesSlotForReuse(t *testing.T) {
	tbl := transaction.New(context.Background(), 1)

	if _, ok := tbl.Admit(0, 0, 1000, 2000, "10.0.0.1"); !ok {
		t.Fatalf("expected admit to succeed")
	}
	if _, ok := tbl.Admit(0, 0, 1111, 2222, "10.0.0.9"); ok {
		t.Fatalf("expected admit to fail while the only slot is occupied")
	}

	tbl.ClearByTID(1000, 2000)

	if _, ok := tbl.Admit(0, 0, 1111, 2222, "10.0.0.9"); !ok {
		t.Fatalf("expected admit to succeed after ClearByTID freed the slot")
	}
}

func TestLookupMatchesOnBothTIDs(t *testing.T) {
	tbl := transaction.New(context.Background(), 2)
	tbl.Admit(0, 0, 1000, 2000, "10.0.0.1")

	if _, ok := tbl.Lookup(1000, 2000); !ok {
		t.Fatalf("expected Lookup to find the admitted record")
	}
	if _, ok := tbl.Lookup(1000, 9999); ok {
		t.Fatalf("expected Lookup to require both ClientTID and ServerTID to match")
	}
	if _, ok := tbl.Lookup(9999, 2000); ok {
		t.Fatalf("expected Lookup to require both ClientTID and ServerTID to match")
	}
}

func TestClearByTIDOnUnknownTIDIsNoop(t *testing.T) {
	tbl := transaction.New(context.Background(), 1)
	tbl.Admit(0, 0, 1000, 2000, "10.0.0.1")

	tbl.ClearByTID(4242, 4343)

	if got := tbl.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1 (unrelated ClearByTID must not affect an unrelated record)", got)
	}
}
