package sqlutil

import "testing"

type intChunker []int

func (c intChunker) Len() int {
	return len(c)
}
func (c intChunker) Subslice(i, j int) Chunker {
	return c[i:j]
}

func TestChunkify(t *testing.T) {
	tcs := []struct {
		name             string
		paramsPerRow     int
		maxParamsPerCall int
		numRows          int
		wantChunkLens    []int
	}{
		{"fits in one chunk", 4, 100, 10, []int{10}},
		{"exact boundary", 4, 40, 10, []int{10}},
		{"one row over", 4, 40, 11, []int{10, 1}},
		{"many chunks", 2, 10, 17, []int{5, 5, 5, 2}},
		{"single param rows", 1, 3, 7, []int{3, 3, 1}},
	}
	for _, tc := range tcs {
		rows := make(intChunker, tc.numRows)
		chunks := Chunkify(tc.paramsPerRow, tc.maxParamsPerCall, rows)
		if len(chunks) != len(tc.wantChunkLens) {
			t.Errorf("%s: got %d chunks, want %d", tc.name, len(chunks), len(tc.wantChunkLens))
			continue
		}
		total := 0
		for i, chunk := range chunks {
			if chunk.Len() != tc.wantChunkLens[i] {
				t.Errorf("%s: chunk %d has %d rows, want %d", tc.name, i, chunk.Len(), tc.wantChunkLens[i])
			}
			if params := chunk.Len() * tc.paramsPerRow; params > tc.maxParamsPerCall {
				t.Errorf("%s: chunk %d carries %d params, over the limit %d", tc.name, i, params, tc.maxParamsPerCall)
			}
			total += chunk.Len()
		}
		if total != tc.numRows {
			t.Errorf("%s: chunks cover %d rows, want %d", tc.name, total, tc.numRows)
		}
	}
}
