package reid

// Index is an exact nearest-neighbour index over squared L2 distance.
// It is immutable: any change to the identity set builds a new Index.
type Index struct {
	dim  int
	data []float32 // row-major, Len() rows of dim values
}

// BuildIndex copies vecs into a contiguous block. All vectors must share
// the length of the first one; shorter or longer rows are skipped.
func BuildIndex(vecs [][]float32) *Index {
	if len(vecs) == 0 {
		return &Index{}
	}
	dim := len(vecs[0])
	data := make([]float32, 0, dim*len(vecs))
	for _, v := range vecs {
		if len(v) != dim {
			continue
		}
		data = append(data, v...)
	}
	return &Index{dim: dim, data: data}
}

func (ix *Index) Len() int {
	if ix.dim == 0 {
		return 0
	}
	return len(ix.data) / ix.dim
}

// Search returns the row closest to q. ok is false for an empty index or
// a query of the wrong dimension.
func (ix *Index) Search(q []float32) (pos int, dist float64, ok bool) {
	n := ix.Len()
	if n == 0 || len(q) != ix.dim {
		return -1, 0, false
	}
	pos = -1
	for i := 0; i < n; i++ {
		d := squaredL2(q, ix.data[i*ix.dim:(i+1)*ix.dim])
		if pos < 0 || d < dist {
			pos, dist = i, d
		}
	}
	return pos, dist, true
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
