package utils

import "math/rand"

func Contains[T comparable](arr []T, item T) bool {
	for _, i := range arr {
		if i == item {
			return true
		}
	}

	return false
}

// Shuffled returns a copy of arr in random order.
func Shuffled[T any](arr []T) []T {
	result := make([]T, len(arr))
	copy(result, arr)

	rand.Shuffle(len(result), func(i, j int) {
		result[i], result[j] = result[j], result[i]
	})

	return result
}
