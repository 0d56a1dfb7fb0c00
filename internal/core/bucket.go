package core

import "github.com/cespare/xxhash/v2"

const bucketCount = 10000

// Bucket maps key into [0, 100) using xxhash64 over seed and key. The result
// depends only on its inputs, so a key keeps its bucket for as long as the
// seed (the flag name) is unchanged.
func Bucket(seed, key string) float64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(seed)
	_, _ = digest.WriteString("\x00")
	_, _ = digest.WriteString(key)

	return float64(digest.Sum64()%bucketCount) / (bucketCount / 100)
}

func inRollout(seed, key string, percentage float64) bool {
	if percentage >= 100 {
		return true
	}
	if percentage <= 0 || key == "" {
		return false
	}
	return Bucket(seed, key) < percentage
}
