package domain

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusPending, OrderStatusSubmitted, true},
		{OrderStatusPending, OrderStatusRejected, true},
		{OrderStatusPending, OrderStatusFilled, false},
		{OrderStatusSubmitted, OrderStatusFilled, true},
		{OrderStatusSubmitted, OrderStatusPartiallyFilled, true},
		{OrderStatusSubmitted, OrderStatusCancelled, true},
		{OrderStatusSubmitted, OrderStatusExpired, true},
		{OrderStatusSubmitted, OrderStatusPending, false},
		{OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusCancelled, true},
		{OrderStatusPartiallyFilled, OrderStatusSubmitted, false},
		// Terminal states have no outgoing edges.
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusSubmitted, false},
		{OrderStatusRejected, OrderStatusSubmitted, false},
		{OrderStatusExpired, OrderStatusFilled, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []OrderStatus{OrderStatusPending, OrderStatusSubmitted, OrderStatusPartiallyFilled}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOrderIntentFixedPoint(t *testing.T) {
	intent := OrderIntent{PriceTicks: 480_000, SizeUnits: 100_000_000}
	if intent.Price() != 0.48 {
		t.Errorf("Price() = %v, want 0.48", intent.Price())
	}
	if intent.Size() != 100 {
		t.Errorf("Size() = %v, want 100", intent.Size())
	}
	if got := intent.Notional(); got != 48 {
		t.Errorf("Notional() = %v, want 48", got)
	}
}
