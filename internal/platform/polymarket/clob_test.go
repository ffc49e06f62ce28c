package polymarket

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oddlot/parb/internal/domain"
)

func testOrder() domain.Order {
	return domain.Order{
		ID:          "o-1",
		TokenID:     "tok-1",
		Wallet:      "0x1111111111111111111111111111111111111111",
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeGTC,
		MakerAmount: big.NewInt(4_800_000),
		TakerAmount: big.NewInt(10_000_000),
		Salt:        "12345",
		Signature:   "0xsig",
	}
}

func clobAgainst(t *testing.T, handler http.HandlerFunc) *ClobClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClobClient(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewClobClient: %v", err)
	}
	return c
}

func TestPostOrderRejectionIsTerminal(t *testing.T) {
	c := clobAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"errorMsg":"not enough balance / allowance"}`))
	})

	_, err := c.PostOrder(context.Background(), testOrder())
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Errorf("err = %v, want ErrInvalidOrder so the engine stops resubmitting", err)
	}
}

func TestPostOrderRetryableRejectionIsNotTerminal(t *testing.T) {
	c := clobAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"errorMsg":"order is delayed","shouldRetry":true}`))
	})

	_, err := c.PostOrder(context.Background(), testOrder())
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if errors.Is(err, domain.ErrInvalidOrder) {
		t.Errorf("err = %v, retryable rejection must stay retryable", err)
	}
}

func TestPostOrderBadRequestIsTerminal(t *testing.T) {
	c := clobAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid order payload"}`, http.StatusBadRequest)
	})

	_, err := c.PostOrder(context.Background(), testOrder())
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Errorf("err = %v, want ErrInvalidOrder for HTTP 400", err)
	}
}

func TestPostOrderRateLimitMapped(t *testing.T) {
	c := clobAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := c.PostOrder(context.Background(), testOrder())
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}
