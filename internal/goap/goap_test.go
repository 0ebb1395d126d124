package goap

import "testing"

func TestPreconditionsMet(t *testing.T) {
	cases := []struct {
		name          string
		preconditions string
		worldState    string
		want          bool
	}{
		{"null preconditions", `null`, `{}`, true},
		{"empty preconditions", `[]`, `{}`, true},
		{"missing key", `["x"]`, `{}`, false},
		{"false key", `["x"]`, `{"x": false}`, false},
		{"true key", `["x"]`, `{"x": true}`, true},
		{"multiple satisfied", `["x", "y"]`, `{"x": true, "y": true}`, true},
		{"one of multiple missing", `["x", "y"]`, `{"x": true}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := PreconditionsMet([]byte(tc.preconditions), []byte(tc.worldState))
			if got != tc.want {
				t.Errorf("PreconditionsMet(%s, %s) = %v, want %v", tc.preconditions, tc.worldState, got, tc.want)
			}
		})
	}
}

func TestPreconditionsMetMalformed(t *testing.T) {
	if PreconditionsMet([]byte(`{"not": "an array"}`), []byte(`{}`)) {
		t.Error("malformed preconditions should not be met")
	}
}

func TestComputeProgress(t *testing.T) {
	goalState := []byte(`{"a": true, "b": true, "c": true}`)

	p := ComputeProgress(goalState, []byte(`{}`))
	if p.Complete || p.Satisfied != 0 || p.Total != 3 {
		t.Errorf("got %+v, want Satisfied:0 Total:3 Complete:false", p)
	}

	p = ComputeProgress(goalState, []byte(`{"a": true}`))
	if p.Complete || p.Satisfied != 1 {
		t.Errorf("got %+v, want Satisfied:1 Complete:false", p)
	}

	p = ComputeProgress(goalState, []byte(`{"a": true, "b": true, "c": true}`))
	if !p.Complete || p.Satisfied != 3 || p.Total != 3 {
		t.Errorf("got %+v, want Satisfied:3 Total:3 Complete:true", p)
	}
}

func TestMergeWorldState(t *testing.T) {
	merged, err := MergeWorldState([]byte(`{"a": true}`), []byte(`{"b": true}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	progress := ComputeProgress([]byte(`{"a": true, "b": true}`), merged)
	if !progress.Complete {
		t.Errorf("expected merged world state to satisfy both keys, got %+v", progress)
	}
}

func TestMergeWorldStateIdempotent(t *testing.T) {
	once, err := MergeWorldState([]byte(`{}`), []byte(`{"k": true}`))
	if err != nil {
		t.Fatalf("merge once: %v", err)
	}
	twice, err := MergeWorldState(once, []byte(`{"k": true}`))
	if err != nil {
		t.Fatalf("merge twice: %v", err)
	}
	if string(once) != string(twice) {
		t.Errorf("merging the same assertion twice should be a no-op: %s != %s", once, twice)
	}
}

func TestMergeWorldStateAssociative(t *testing.T) {
	w := []byte(`{"base": true}`)
	a := []byte(`{"a": true}`)
	b := []byte(`{"b": true}`)

	left, err := MergeWorldState(w, a)
	if err != nil {
		t.Fatal(err)
	}
	left, err = MergeWorldState(left, b)
	if err != nil {
		t.Fatal(err)
	}

	abMerged, err := MergeWorldState(a, b)
	if err != nil {
		t.Fatal(err)
	}
	right, err := MergeWorldState(w, abMerged)
	if err != nil {
		t.Fatal(err)
	}

	leftProgress := ComputeProgress([]byte(`{"base": true, "a": true, "b": true}`), left)
	rightProgress := ComputeProgress([]byte(`{"base": true, "a": true, "b": true}`), right)
	if leftProgress != rightProgress {
		t.Errorf("merge should be associative: left=%+v right=%+v", leftProgress, rightProgress)
	}
}
