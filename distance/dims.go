package distance

// The specialized kernels below unroll the squared L2 loop for common
// embedding dimensions (MiniLM 384, ada-002 1536, CLIP 512/768, SIFT 128).
// They share the 4-accumulator structure of the generic path so results
// match bit-for-bit on the same input; only the trip count is fixed,
// which lets the compiler drop bounds checks and vectorize.

func squaredL2Generic(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	for ; i < len(a); i++ {
		d := a[i] - b[i]
		s0 += d * d
	}
	return s0 + s1 + s2 + s3
}

func squaredL2Fixed(a, b []float32, n int) float32 {
	a = a[:n:n]
	b = b[:n:n]
	var s0, s1, s2, s3 float32
	for i := 0; i < n; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	return s0 + s1 + s2 + s3
}

func squaredL2_128(a, b []float32) float32  { return squaredL2Fixed(a, b, 128) }
func squaredL2_256(a, b []float32) float32  { return squaredL2Fixed(a, b, 256) }
func squaredL2_384(a, b []float32) float32  { return squaredL2Fixed(a, b, 384) }
func squaredL2_512(a, b []float32) float32  { return squaredL2Fixed(a, b, 512) }
func squaredL2_768(a, b []float32) float32  { return squaredL2Fixed(a, b, 768) }
func squaredL2_1536(a, b []float32) float32 { return squaredL2Fixed(a, b, 1536) }
