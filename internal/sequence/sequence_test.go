package sequence

import "testing"

func TestSequence_StepsRunInOrderAndCarryValue(t *testing.T) {
	var order []int
	var carried int
	seq := New()
	seq.Then(func(next func(value any), value any) {
		order = append(order, 0)
		next(value.(int) + 1)
	})
	seq.Then(func(next func(value any), value any) {
		order = append(order, 1)
		carried = value.(int)
		next(value.(int) + 1)
	})

	var final int
	seq.Lastly(func(index, length int) {
		final = index
	})

	seq.Go(10)

	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Fatalf("expected steps to run in append order, got %v", order)
	}
	if carried != 11 {
		t.Errorf("expected step 1 to receive 11 (10 + 1 from step 0), got %d", carried)
	}
	if final != 2 {
		t.Errorf("expected lastly to report index 2 (both steps completed), got %d", final)
	}
}

func TestSequence_LastlyReceivesLength(t *testing.T) {
	seq := New()
	seq.Then(func(next func(value any), value any) { next(value) })
	seq.Then(func(next func(value any), value any) { next(value) })
	seq.Then(func(next func(value any), value any) { next(value) })

	var gotIndex, gotLength int
	seq.Lastly(func(index, length int) {
		gotIndex, gotLength = index, length
	})
	seq.Go(nil)

	if gotIndex != 3 || gotLength != 3 {
		t.Errorf("expected lastly(3, 3), got lastly(%d, %d)", gotIndex, gotLength)
	}
}

func TestSequence_ProgressReflectsCompletedSteps(t *testing.T) {
	seq := New()
	var mid int
	seq.Then(func(next func(value any), value any) {
		mid = seq.Progress()
		next(value)
	})
	seq.Then(func(next func(value any), value any) { next(value) })

	if seq.Progress() != 0 {
		t.Errorf("expected 0%% progress before Go, got %d", seq.Progress())
	}
	seq.Go(nil)

	if mid != 50 {
		t.Errorf("expected 50%% progress after step 0 completes (index 1 of 2), got %d", mid)
	}
	if seq.Progress() != 100 {
		t.Errorf("expected 100%% progress after the chain finishes, got %d", seq.Progress())
	}
}

func TestSequence_CancelStopsRemainingStepsAndFiresLastly(t *testing.T) {
	seq := New()
	ran := []int{}
	var next func(value any)
	seq.Then(func(n func(value any), value any) {
		ran = append(ran, 0)
		next = n
		// Step 0 deliberately does not call next, simulating an async wait
		// the caller cancels before it resolves.
	})
	seq.Then(func(n func(value any), value any) {
		ran = append(ran, 1)
		n(value)
	})

	var gotIndex, gotLength int
	called := false
	seq.Lastly(func(index, length int) {
		called = true
		gotIndex, gotLength = index, length
	})

	seq.Go(nil)
	if len(ran) != 1 {
		t.Fatalf("expected only step 0 to have run before cancellation, got %v", ran)
	}

	seq.Cancel()
	if !called {
		t.Fatal("expected Cancel to fire the terminal hook")
	}
	if gotLength != 0 {
		t.Errorf("expected Cancel to truncate length to 0, got %d", gotLength)
	}
	if gotIndex != 1 {
		t.Errorf("expected Cancel to report the index reached (1), got %d", gotIndex)
	}
	if seq.Progress() != 100 {
		t.Errorf("expected Progress() == 100 after cancellation, got %d", seq.Progress())
	}

	// A step's next called after cancellation must not resume the chain.
	next(nil)
	if len(ran) != 1 {
		t.Errorf("expected cancellation to prevent step 1 from running, got %v", ran)
	}
}

func TestSequence_CancelIsIdempotent(t *testing.T) {
	seq := New()
	calls := 0
	seq.Lastly(func(index, length int) { calls++ })
	seq.Go(nil)
	seq.Cancel()
	seq.Cancel()
	if calls != 1 {
		t.Errorf("expected lastly to fire exactly once across Go+Cancel+Cancel, got %d", calls)
	}
}

func TestSequence_EmptyChain_FinishesImmediately(t *testing.T) {
	seq := New()
	var gotIndex, gotLength int
	seq.Lastly(func(index, length int) {
		gotIndex, gotLength = index, length
	})
	seq.Go("data")

	if gotIndex != 0 || gotLength != 0 {
		t.Errorf("expected lastly(0, 0) for an empty chain, got (%d, %d)", gotIndex, gotLength)
	}
}
