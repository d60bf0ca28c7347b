package registry

import (
	"sync"
	"testing"
	"time"
)

func TestLockTable_MutualExclusion(t *testing.T) {
	lt := NewLockTable()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := lt.Acquire("mc1", 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("expected exactly one holder at a time, saw %d", maxInFlight)
	}
}

func TestLockTable_DifferentNamesDoNotBlock(t *testing.T) {
	lt := NewLockTable()

	releaseA, err := lt.Acquire("a", time.Second)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer releaseA()

	// Holding "a" must not delay "b".
	start := time.Now()
	releaseB, err := lt.Acquire("b", time.Second)
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	releaseB()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("acquiring an unrelated lock took %v", elapsed)
	}
}

func TestLockTable_Timeout(t *testing.T) {
	lt := NewLockTable()

	release, err := lt.Acquire("mc1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, err = lt.Acquire("mc1", 20*time.Millisecond)
	if err != ErrLockTimeout {
		t.Errorf("expected ErrLockTimeout, got %v", err)
	}

	release()
	release2, err := lt.Acquire("mc1", time.Second)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestLockTable_ReleaseIsIdempotent(t *testing.T) {
	lt := NewLockTable()

	release, err := lt.Acquire("mc1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release() // second call must not inject an extra token

	r1, err := lt.Acquire("mc1", time.Second)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer r1()

	if _, ok := lt.TryAcquire("mc1"); ok {
		t.Error("double release created a second token")
	}
}

func TestLockTable_Forget(t *testing.T) {
	lt := NewLockTable()
	release, _ := lt.Acquire("mc1", time.Second)
	lt.Forget("mc1")
	release() // must not panic

	if lt.Len() != 0 {
		t.Errorf("expected empty table, got %d entries", lt.Len())
	}
}

// TestLockTable_ForgottenEntryDoesNotDoubleHold covers the destroy/re-register
// sequence: a waiter blocked on the original channel must not be admitted by a
// token released into that channel after Forget, while a fresh acquirer holds
// the name's new entry.
func TestLockTable_ForgottenEntryDoesNotDoubleHold(t *testing.T) {
	lt := NewLockTable()

	release, err := lt.Acquire("mc1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	enter := func() {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
	}
	exit := func() {
		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		rel, werr := lt.Acquire("mc1", 5*time.Second)
		if werr != nil {
			t.Errorf("waiter acquire: %v", werr)
			return
		}
		enter()
		time.Sleep(50 * time.Millisecond)
		exit()
		rel()
	}()

	// Let the waiter block on the original channel.
	time.Sleep(50 * time.Millisecond)

	// Destroy path: drop the entry while the waiter still references the old
	// channel, then release the held token into it.
	lt.Forget("mc1")
	release()

	// Re-register path: a fresh acquirer must get the name's new entry.
	rel2, err := lt.Acquire("mc1", time.Second)
	if err != nil {
		t.Fatalf("fresh acquire: %v", err)
	}
	enter()
	time.Sleep(50 * time.Millisecond)
	exit()
	rel2()

	select {
	case <-waiterDone:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never completed")
	}

	if maxInFlight > 1 {
		t.Errorf("%d goroutines held the mc1 lock concurrently", maxInFlight)
	}
}
