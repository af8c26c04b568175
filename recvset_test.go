package neo

import "testing"

func TestReceiveSetPutRemove(t *testing.T) {
	s := newReceiveSet()

	if !s.put(7) {
		t.Fatal("put(7) should report inserted")
	}
	if s.put(7) {
		t.Fatal("put(7) twice should report not inserted")
	}
	if !s.has(7) {
		t.Fatal("has(7) should be true")
	}

	if !s.remove(7) {
		t.Fatal("remove(7) should report removed")
	}
	if s.has(7) {
		t.Fatal("has(7) should be false after remove")
	}
	if s.remove(7) {
		t.Fatal("remove(7) twice should report not removed")
	}
}

func TestReceiveSetDrain(t *testing.T) {
	s := newReceiveSet()
	s.put(1)
	s.put(2)
	s.put(3)

	seen := make(map[RequestId]bool)
	s.drain(func(id RequestId) { seen[id] = true })

	for _, id := range []RequestId{1, 2, 3} {
		if !seen[id] {
			t.Errorf("drain did not visit %d", id)
		}
	}
	if s.len() != 0 {
		t.Fatalf("len() after drain = %d, want 0", s.len())
	}
}
