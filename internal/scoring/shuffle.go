package scoring

import "math/rand"

// Shuffle returns a Fisher-Yates shuffled copy of items drawn from rnd. The
// source is injected so rank-question presentation order is reproducible in
// tests; the input slice is never modified.
func Shuffle(rnd *rand.Rand, items []string) []string {
	shuffled := make([]string, len(items))
	copy(shuffled, items)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rnd.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled
}
