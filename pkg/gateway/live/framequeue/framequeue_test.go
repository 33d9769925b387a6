package framequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLatestOfferWins(t *testing.T) {
	q := New()
	for i := 0; i < 50; i++ {
		q.Offer([]byte(fmt.Sprintf("frame-%d", i)))
		if n := q.Len(); n != 1 {
			t.Fatalf("len=%d after offer %d, want 1", n, i)
		}
	}

	f, err := q.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(f.Data) != "frame-49" {
		t.Fatalf("data=%q, want frame-49", f.Data)
	}
	if f.Seq != 50 {
		t.Fatalf("seq=%d, want 50", f.Seq)
	}
	if q.Len() != 0 {
		t.Fatalf("len=%d after consume, want 0", q.Len())
	}

	st := q.Stats()
	if st.Offered != 50 || st.Dropped != 49 || st.Consumed != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestNextBlocksUntilOffer(t *testing.T) {
	q := New()
	got := make(chan string, 1)
	go func() {
		f, err := q.Next(context.Background())
		if err != nil {
			got <- "err:" + err.Error()
			return
		}
		got <- string(f.Data)
	}()

	select {
	case v := <-got:
		t.Fatalf("Next returned early with %q", v)
	case <-time.After(30 * time.Millisecond):
	}

	q.Offer([]byte("a"))
	select {
	case v := <-got:
		if v != "a" {
			t.Fatalf("got %q, want a", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next did not wake after Offer")
	}
}

func TestNextHonorsContextAndClose(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want deadline exceeded", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err=%v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Close did not wake consumer")
	}

	q.Offer([]byte("late"))
	if q.Len() != 0 {
		t.Fatalf("offer after close was stored")
	}
}

func TestConcurrentOffersNeverExceedOne(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				q.Offer([]byte{byte(p), byte(i)})
				if n := q.Len(); n > 1 {
					t.Errorf("len=%d", n)
					return
				}
			}
		}(p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			if _, err := q.Next(ctx); err != nil {
				return
			}
		}
	}()

	wg.Wait()
	cancel()
	<-consumed

	st := q.Stats()
	if st.Offered != 800 {
		t.Fatalf("offered=%d, want 800", st.Offered)
	}
	if st.Consumed+st.Dropped+uint64(q.Len()) != st.Offered {
		t.Fatalf("stats do not balance: %+v len=%d", st, q.Len())
	}
}
