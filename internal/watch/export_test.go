package watch

import "path/filepath"

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (b *Bridge) isWatched(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, exists := b.watched[filepath.Clean(path)]
	return exists
}
