package scoring

import "context"

// Unknown is the sentinel score meaning no valid score is known. It is never a
// legitimate score.
const Unknown = 0.0

// Source is implemented by every score provider in the resolution chain.
type Source interface {
	// Name labels the source in logs and metrics.
	Name() string
	FetchScore(ctx context.Context, id string) (float64, error)
}

// IsUnknown reports whether score is the sentinel.
func IsUnknown(score float64) bool {
	return score == Unknown
}
