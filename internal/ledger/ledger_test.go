package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/oddlot/parb/internal/domain"
)

func TestReserveWithinCaps(t *testing.T) {
	l := New(200, 1000)

	if err := l.Reserve("m1", 150); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if got := l.Snapshot().Aggregate; got != 150 {
		t.Errorf("Aggregate = %v, want 150", got)
	}
	if got := l.Headroom("m1"); got != 50 {
		t.Errorf("Headroom = %v, want 50", got)
	}
}

func TestReserveRejectsOverMarketCap(t *testing.T) {
	l := New(200, 1000)

	if err := l.Reserve("m1", 150); err != nil {
		t.Fatal(err)
	}
	err := l.Reserve("m1", 100)
	if !errors.Is(err, domain.ErrExposureLimit) {
		t.Fatalf("err = %v, want ErrExposureLimit", err)
	}
	// A failed reserve must not change the books.
	if got := l.Snapshot().Aggregate; got != 150 {
		t.Errorf("Aggregate = %v after failed reserve, want 150", got)
	}
}

func TestReserveRejectsOverAggregateCap(t *testing.T) {
	l := New(200, 300)

	if err := l.Reserve("m1", 200); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve("m2", 90); err != nil {
		t.Fatal(err)
	}
	// Under the market cap but over the aggregate cap.
	err := l.Reserve("m3", 50)
	if !errors.Is(err, domain.ErrExposureLimit) {
		t.Fatalf("err = %v, want ErrExposureLimit", err)
	}
}

func TestReleaseRestoresHeadroom(t *testing.T) {
	l := New(200, 1000)

	if err := l.Reserve("m1", 200); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve("m1", 1); !errors.Is(err, domain.ErrExposureLimit) {
		t.Fatal("market should be at cap")
	}

	l.Release("m1", 200)
	if err := l.Reserve("m1", 200); err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
}

func TestReleaseClampsToCommitted(t *testing.T) {
	l := New(200, 1000)
	if err := l.Reserve("m1", 50); err != nil {
		t.Fatal(err)
	}
	l.Release("m1", 500)
	if got := l.Snapshot().Aggregate; got != 0 {
		t.Errorf("Aggregate = %v, want 0", got)
	}
	if got := l.Headroom("m1"); got != 200 {
		t.Errorf("Headroom = %v, want 200", got)
	}
}

func TestConfirmKeepsCapitalCommitted(t *testing.T) {
	l := New(200, 1000)
	if err := l.Reserve("m1", 100); err != nil {
		t.Fatal(err)
	}
	l.Confirm("m1", 100)

	// Filled positions hold capital until redemption, so headroom does not
	// come back.
	if got := l.Headroom("m1"); got != 100 {
		t.Errorf("Headroom = %v, want 100", got)
	}
	if got := l.Snapshot().Aggregate; got != 100 {
		t.Errorf("Aggregate = %v, want 100", got)
	}
}

func TestSettleFreesFilledCapital(t *testing.T) {
	l := New(200, 1000)
	if err := l.Reserve("m1", 100); err != nil {
		t.Fatal(err)
	}
	l.Confirm("m1", 100)

	if got := l.Settle("m1"); got != 100 {
		t.Errorf("Settle = %v, want 100", got)
	}
	if got := l.Headroom("m1"); got != 200 {
		t.Errorf("Headroom = %v, want full cap back after settlement", got)
	}
	if got := l.Snapshot().Aggregate; got != 0 {
		t.Errorf("Aggregate = %v, want 0", got)
	}
	// A second settle has nothing left to free.
	if got := l.Settle("m1"); got != 0 {
		t.Errorf("second Settle = %v, want 0", got)
	}
}

func TestSettleIgnoresUnfilledReservation(t *testing.T) {
	l := New(200, 1000)
	if err := l.Reserve("m1", 100); err != nil {
		t.Fatal(err)
	}

	// Nothing confirmed yet; the reservation belongs to a live execution.
	if got := l.Settle("m1"); got != 0 {
		t.Errorf("Settle = %v, want 0", got)
	}
	if got := l.Snapshot().Aggregate; got != 100 {
		t.Errorf("Aggregate = %v, want reservation untouched", got)
	}
}

func TestPositionsListsFilledMarkets(t *testing.T) {
	l := New(200, 1000)
	if err := l.Reserve("m1", 100); err != nil {
		t.Fatal(err)
	}
	l.Confirm("m1", 60)
	if err := l.Reserve("m2", 50); err != nil {
		t.Fatal(err)
	}

	pos := l.Positions()
	if got := pos["m1"]; got != 60 {
		t.Errorf("Positions[m1] = %v, want 60", got)
	}
	if _, ok := pos["m2"]; ok {
		t.Error("m2 has no fills and must not appear")
	}
}

func TestHeadroomBoundByAggregate(t *testing.T) {
	l := New(200, 250)
	if err := l.Reserve("m1", 150); err != nil {
		t.Fatal(err)
	}
	// m2 has its full market cap free, but only 100 aggregate remains.
	if got := l.Headroom("m2"); got != 100 {
		t.Errorf("Headroom = %v, want 100", got)
	}
}

func TestConcurrentReservesNeverExceedCap(t *testing.T) {
	l := New(1000, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Reserve("m1", 30)
		}()
	}
	wg.Wait()

	if got := l.Snapshot().Aggregate; got > 1000 {
		t.Errorf("Aggregate = %v exceeds cap", got)
	}
}
