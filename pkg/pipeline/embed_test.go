package pipeline

import "testing"

func TestComputeEmbedding_Deterministic(t *testing.T) {
	e1, t1 := ComputeEmbedding("hello world", "m1", "v1", 16, 100)
	e2, t2 := ComputeEmbedding("hello world", "m1", "v1", 16, 100)
	if t1 != t2 {
		t.Fatal("expected was_truncated to be stable")
	}
	for i := range e1.Vector {
		if e1.Vector[i] != e2.Vector[i] {
			t.Fatalf("expected identical vectors, diverged at %d: %v vs %v", i, e1.Vector[i], e2.Vector[i])
		}
	}
}

func TestComputeEmbedding_DiffersByModel(t *testing.T) {
	e1, _ := ComputeEmbedding("hello world", "m1", "v1", 8, 100)
	e2, _ := ComputeEmbedding("hello world", "m2", "v1", 8, 100)
	same := true
	for i := range e1.Vector {
		if e1.Vector[i] != e2.Vector[i] {
			same = false
		}
	}
	if same {
		t.Fatal("expected vectors to differ across model_id")
	}
}

func TestComputeEmbedding_WasTruncated(t *testing.T) {
	_, truncated := ComputeEmbedding("one two three four five", "m1", "v1", 4, 2)
	if !truncated {
		t.Fatal("expected was_truncated=true when token estimate exceeds max_input_tokens")
	}
	_, notTruncated := ComputeEmbedding("one two", "m1", "v1", 4, 100)
	if notTruncated {
		t.Fatal("expected was_truncated=false when under the limit")
	}
}

func TestComputeEmbedding_Normalized(t *testing.T) {
	e, _ := ComputeEmbedding("some text", "m1", "v1", 32, 100)
	var norm float64
	for _, v := range e.Vector {
		norm += v * v
	}
	if norm < 0.98 || norm > 1.02 {
		t.Fatalf("expected unit-normalized vector, got squared norm %f", norm)
	}
}
