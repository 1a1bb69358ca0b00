package oracle

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const testAddress = "0x9858effd232b4033e47d90003d41ec34ecaeda94"

type fakeBackend struct {
	mu      sync.Mutex
	native  *big.Int
	token   *big.Int
	err     error
	fetches int
}

func (f *fakeBackend) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.native), nil
}

func (f *fakeBackend) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.token), nil
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeBackend) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestGetRejectsInvalidAddress(t *testing.T) {
	o := NewOracle(&fakeBackend{}, time.Minute, 18, logrus.New())

	if _, err := o.Get(context.Background(), "not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestGetServesFromCacheWithinTTL(t *testing.T) {
	backend := &fakeBackend{
		native: big.NewInt(1e18),       // 1 ETH
		token:  big.NewInt(2500000000), // 2.5 tokens at 9 decimals
	}
	o := NewOracle(backend, time.Minute, 9, logrus.New())

	first, err := o.Get(context.Background(), testAddress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Native.String() != "1" {
		t.Fatalf("unexpected native balance: %s", first.Native)
	}
	if first.Token.String() != "2.5" {
		t.Fatalf("unexpected token balance: %s", first.Token)
	}
	if first.Stale {
		t.Fatalf("fresh snapshot marked stale")
	}

	for i := 0; i < 5; i++ {
		if _, err := o.Get(context.Background(), testAddress); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := backend.fetchCount(); got != 1 {
		t.Fatalf("expected 1 chain fetch, got %d", got)
	}
}

func TestGetRefetchesAfterExpiry(t *testing.T) {
	backend := &fakeBackend{native: big.NewInt(1), token: big.NewInt(1)}
	o := NewOracle(backend, 10*time.Millisecond, 18, logrus.New())

	if _, err := o.Get(context.Background(), testAddress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := o.Get(context.Background(), testAddress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := backend.fetchCount(); got != 2 {
		t.Fatalf("expected 2 chain fetches, got %d", got)
	}
}

func TestGetFallsBackToStaleSnapshot(t *testing.T) {
	backend := &fakeBackend{native: big.NewInt(5e18), token: big.NewInt(0)}
	o := NewOracle(backend, time.Nanosecond, 18, logrus.New())

	first, err := o.Get(context.Background(), testAddress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	backend.fail(errors.New("rpc down"))
	time.Sleep(time.Millisecond)

	second, err := o.Get(context.Background(), testAddress)
	if err != nil {
		t.Fatalf("fallback must not error: %v", err)
	}
	if !second.Stale {
		t.Fatalf("fallback snapshot not marked stale")
	}
	if !second.Native.Equal(first.Native) {
		t.Fatalf("stale snapshot changed: %s vs %s", second.Native, first.Native)
	}
}

func TestGetFallsBackToZerosWithoutSnapshot(t *testing.T) {
	backend := &fakeBackend{}
	backend.fail(errors.New("rpc down"))
	o := NewOracle(backend, time.Minute, 18, logrus.New())

	b, err := o.Get(context.Background(), testAddress)
	if err != nil {
		t.Fatalf("fallback must not error: %v", err)
	}
	if !b.Stale {
		t.Fatalf("zero fallback not marked stale")
	}
	if !b.Native.IsZero() || !b.Token.IsZero() {
		t.Fatalf("expected zero balances, got native=%s token=%s", b.Native, b.Token)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	backend := &fakeBackend{native: big.NewInt(1), token: big.NewInt(1)}
	o := NewOracle(backend, time.Hour, 18, logrus.New())

	if _, err := o.Get(context.Background(), testAddress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	o.Invalidate(testAddress)
	if _, err := o.Get(context.Background(), testAddress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := backend.fetchCount(); got != 2 {
		t.Fatalf("expected 2 chain fetches, got %d", got)
	}
}
