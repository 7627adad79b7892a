package shared

import "testing"

func TestCloneSliceMapIsDeep(t *testing.T) {
	src := map[string][]float64{"w": {1, 2}, "b": {3}}
	dst := CloneSliceMap(src)
	dst["w"][0] = 42

	if src["w"][0] != 1 {
		t.Fatalf("source mutated through clone: %v", src["w"])
	}
	if CloneSliceMap[string, float64](nil) != nil {
		t.Fatalf("nil map must clone to nil")
	}
}

func TestSortedKeys(t *testing.T) {
	tests := []struct {
		name     string
		input    map[int]bool
		expected []int
	}{
		{name: "empty", input: map[int]bool{}, expected: []int{}},
		{name: "unordered", input: map[int]bool{3: true, 0: true, 11: false}, expected: []int{0, 3, 11}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SortedIntKeys(tt.input)
			if len(got) != len(tt.expected) {
				t.Fatalf("SortedIntKeys() = %v, expected %v", got, tt.expected)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Fatalf("SortedIntKeys() = %v, expected %v", got, tt.expected)
				}
			}
		})
	}

	if got := SortedStringKeys(map[string]int{"b": 1, "a": 2}); got[0] != "a" || got[1] != "b" {
		t.Fatalf("SortedStringKeys() = %v", got)
	}
}
