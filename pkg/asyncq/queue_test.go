package asyncq

import (
	"testing"
	"time"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := New[int]()
	defer q.Close()

	for i := 0; i < 100; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) = false", i)
		}
	}
	for i := 0; i < 100; i++ {
		select {
		case v := <-q.Out():
			if v != i {
				t.Fatalf("got %d at position %d", v, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
}

func TestQueue_PushNeverBlocks(t *testing.T) {
	q := New[int]()
	defer q.Close()

	// No consumer attached; pushes must complete regardless.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			q.Push(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked without a consumer")
	}
}

func TestQueue_CloseTerminatesOut(t *testing.T) {
	q := New[string]()
	q.Push("a")
	// Take the one item, then close.
	select {
	case <-q.Out():
	case <-time.After(time.Second):
		t.Fatal("timed out on first item")
	}
	q.Close()

	select {
	case _, ok := <-q.Out():
		if ok {
			t.Fatal("received item after close")
		}
	case <-time.After(time.Second):
		t.Fatal("Out not closed after Close")
	}
}

func TestQueue_PushAfterClose(t *testing.T) {
	q := New[int]()
	q.Close()
	if q.Push(1) {
		t.Error("Push after Close returned true")
	}
}

func TestQueue_CloseIdempotent(t *testing.T) {
	q := New[int]()
	q.Close()
	q.Close() // must not panic
}

func TestQueue_CloseWithGoneReader(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	// Nothing reads Out; Close must still return promptly.
	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked with no reader")
	}
}

func TestQueue_CloseAndDrainDeliversEverything(t *testing.T) {
	q := New[int]()
	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	q.CloseAndDrain()

	if q.Push(99) {
		t.Error("Push after CloseAndDrain returned true")
	}
	for i := 0; i < 10; i++ {
		select {
		case v, ok := <-q.Out():
			if !ok {
				t.Fatalf("Out closed before item %d", i)
			}
			if v != i {
				t.Fatalf("got %d at position %d", v, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for item %d", i)
		}
	}
	select {
	case _, ok := <-q.Out():
		if ok {
			t.Fatal("received extra item after drain")
		}
	case <-time.After(time.Second):
		t.Fatal("Out not closed after drain")
	}
}

func TestQueue_CloseAbortsParkedDrain(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	q.CloseAndDrain()
	// Nothing reads Out; the hard close must still unpark the pump.
	q.Close()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.Out():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Out never closed after Close during drain")
		}
	}
}

func TestQueue_InterleavedProduceConsume(t *testing.T) {
	q := New[int]()
	defer q.Close()

	go func() {
		for i := 0; i < 50; i++ {
			q.Push(i)
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < 50; i++ {
		select {
		case v := <-q.Out():
			if v != i {
				t.Fatalf("got %d at position %d", v, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out at %d", i)
		}
	}
}
