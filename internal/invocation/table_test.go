package invocation

import (
	"testing"
	"time"

	"github.com/mrzor/aqmprobe/internal/binding"
)

var epoch = time.Unix(1_700_000_000, 0)

func TestTable_PutAndTake(t *testing.T) {
	tbl := NewTable()

	if _, replaced := tbl.Put(42, binding.Invocation{}, epoch); replaced {
		t.Fatal("Put() reported a replacement on an empty table")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}

	if _, ok := tbl.Take(42); !ok {
		t.Fatal("Take() did not find cookie 42")
	}
	if _, ok := tbl.Take(42); ok {
		t.Error("Take() found cookie 42 twice")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tbl.Len())
	}
}

func TestTable_PutReusedCookie(t *testing.T) {
	tbl := NewTable()

	tbl.Put(7, binding.Invocation{}, epoch)
	if _, replaced := tbl.Put(7, binding.Invocation{}, epoch.Add(time.Second)); !replaced {
		t.Error("Put() did not report the stale invocation")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestTable_Expire(t *testing.T) {
	tbl := NewTable()

	tbl.Put(1, binding.Invocation{}, epoch)
	tbl.Put(2, binding.Invocation{}, epoch.Add(2*time.Second))
	tbl.Put(3, binding.Invocation{}, epoch.Add(5*time.Second))

	expired := tbl.Expire(epoch.Add(3 * time.Second))
	if len(expired) != 2 {
		t.Errorf("Expire() returned %d invocations, want 2", len(expired))
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
	if _, ok := tbl.Take(3); !ok {
		t.Error("Expire() removed an invocation that was not stale")
	}
}

func TestTable_Drain(t *testing.T) {
	tbl := NewTable()
	for cookie := uint64(0); cookie < 5; cookie++ {
		tbl.Put(cookie, binding.Invocation{}, epoch)
	}

	if got := len(tbl.Drain()); got != 5 {
		t.Errorf("Drain() returned %d invocations, want 5", got)
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d after Drain(), want 0", tbl.Len())
	}
}
