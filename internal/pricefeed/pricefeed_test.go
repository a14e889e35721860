package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func TestStatic(t *testing.T) {
	s, err := NewStatic(map[string]string{"btcusdt": "27123.45"})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	ctx := context.Background()

	p, err := s.CurrentPrice(ctx, "BTCUSDT")
	if err != nil || !p.Equal(decimal.RequireFromString("27123.45")) {
		t.Fatalf("unexpected %s %v", p, err)
	}
	s.Delete("BTCUSDT")
	if _, err := s.PriceAt(ctx, "BTCUSDT", time.Now()); !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
	if _, err := NewStatic(map[string]string{"X": "-1"}); !errors.Is(err, ErrBadPrice) {
		t.Errorf("expected ErrBadPrice, got %v", err)
	}
}

func TestRedisSource(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	src := NewRedisSource(rdb, "")
	ctx := context.Background()

	if _, err := src.CurrentPrice(ctx, "BTCUSDT"); !errors.Is(err, ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice for missing key, got %v", err)
	}

	if err := src.Publish(ctx, "btcusdt", decimal.RequireFromString("50.0")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got, _ := mr.Get("price:BTCUSDT"); got != "50" {
		t.Errorf("unexpected stored value %q", got)
	}
	p, err := src.CurrentPrice(ctx, "BTCUSDT")
	if err != nil || !p.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected %s %v", p, err)
	}

	mr.Set("price:ETHUSDT", "garbage")
	if _, err := src.CurrentPrice(ctx, "ETHUSDT"); !errors.Is(err, ErrBadPrice) {
		t.Errorf("expected ErrBadPrice, got %v", err)
	}
	mr.Set("price:ZERO", "0")
	if _, err := src.CurrentPrice(ctx, "ZERO"); !errors.Is(err, ErrBadPrice) {
		t.Errorf("expected ErrBadPrice for zero, got %v", err)
	}
}

func klineServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv
}

func TestKlineResolver_OpenOfFirstCandle(t *testing.T) {
	at := time.Date(2025, 8, 15, 12, 0, 30, 0, time.UTC)
	srv := klineServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "1m" || q.Get("limit") != "1" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Get("startTime") != fmt.Sprint(at.UnixMilli()) {
			t.Errorf("unexpected startTime %s", q.Get("startTime"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[[1755259260000,"51.00000000","51.5","50.9","51.2","100.0",1755259319999,"0",10,"0","0","0"]]`)
	})

	r := NewKlineResolver(srv.URL+"/", 100, time.Second, nil)
	p, err := r.PriceAt(context.Background(), "btcusdt", at)
	if err != nil {
		t.Fatalf("PriceAt: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(51)) {
		t.Errorf("expected 51, got %s", p)
	}
}

func TestKlineResolver_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"empty", http.StatusOK, `[]`, ErrNoPrice},
		{"zero price", http.StatusOK, `[[1,"0","0","0","0"]]`, ErrBadPrice},
		{"short kline", http.StatusOK, `[[1]]`, ErrBadPrice},
		{"numeric open", http.StatusOK, `[[1,51.0]]`, ErrBadPrice},
		{"server error", http.StatusInternalServerError, `{"code":-1}`, nil},
		{"bad json", http.StatusOK, `not json`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := klineServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			r := NewKlineResolver(srv.URL, 100, time.Second, nil)
			_, err := r.PriceAt(context.Background(), "BTCUSDT", time.Now())
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestKlineResolver_ContextCancelled(t *testing.T) {
	srv := klineServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[[1,"51"]]`)
	})
	r := NewKlineResolver(srv.URL, 100, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.PriceAt(ctx, "BTCUSDT", time.Now()); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
