package providers

// Split partitions items into consecutive slices of at most size elements.
func Split[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}

// BoundedSize clamps a configured batch size to the integration's hard limit.
func BoundedSize(configured int, limit int) int {
	if configured <= 0 || configured > limit {
		return limit
	}
	return configured
}
