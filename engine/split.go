package engine

// Threshold is the host count below which a node runs one direct basecase
// cohort instead of building a tree.
const Threshold = 4

// Branch is one half of a split host list: the designated head and the
// remainder behind it. Under the continue policy the remainder also serves
// as the substitute queue for a failed head.
type Branch struct {
	Head string
	Rest []string
}

// Split divides hosts into two halves and pops each half's head. The midpoint
// is len(hosts)/2 of the original length, never rebalanced after the heads
// are removed, so branch sizes can be uneven for small lists; the arithmetic
// is deliberate and reproducible. The input slice is only resliced, never
// reordered or written to.
//
// Split must only be called with len(hosts) >= Threshold.
func Split(hosts []string) (left, right Branch) {
	mid := len(hosts) / 2
	left = Branch{Head: hosts[0], Rest: hosts[1:mid]}
	right = Branch{Head: hosts[mid], Rest: hosts[mid+1:]}
	return left, right
}
