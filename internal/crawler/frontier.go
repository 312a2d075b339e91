package crawler

// crawlItem is a URL scheduled at a given link distance from the seed.
type crawlItem struct {
	url   string
	depth int
}

// frontier holds scheduled items. BFS uses a queue, DFS a stack.
type frontier interface {
	push(items ...crawlItem)
	pop() (crawlItem, bool)
	len() int
}

type fifo struct {
	items []crawlItem
	head  int
}

func (q *fifo) push(items ...crawlItem) {
	q.items = append(q.items, items...)
}

func (q *fifo) pop() (crawlItem, bool) {
	if q.head >= len(q.items) {
		return crawlItem{}, false
	}
	item := q.items[q.head]
	q.items[q.head] = crawlItem{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return item, true
}

func (q *fifo) len() int { return len(q.items) - q.head }

type lifo struct {
	items []crawlItem
}

// push adds items so that the first one given is popped first.
func (s *lifo) push(items ...crawlItem) {
	for i := len(items) - 1; i >= 0; i-- {
		s.items = append(s.items, items[i])
	}
}

func (s *lifo) pop() (crawlItem, bool) {
	n := len(s.items)
	if n == 0 {
		return crawlItem{}, false
	}
	item := s.items[n-1]
	s.items = s.items[:n-1]
	return item, true
}

func (s *lifo) len() int { return len(s.items) }
