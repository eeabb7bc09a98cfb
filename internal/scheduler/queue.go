package scheduler

import (
	"container/heap"
	"time"

	"github.com/shaiso/Serial/internal/domain"
)

// entry — запись очереди: одно задание на ключ.
type entry struct {
	key   domain.JobKey
	due   time.Time
	claim *domain.Claim // захват, с которым нужно повторить запуск; nil — новый захват
	index int
}

// dueQueue — min-heap по времени срабатывания с индексом по ключу.
// Повторная вставка ключа обновляет существующую запись, поэтому
// просроченное задание срабатывает один раз, сколько бы интервалов ни пропустил движок.
type dueQueue struct {
	items []*entry
	byKey map[domain.JobKey]*entry
}

func newDueQueue() *dueQueue {
	return &dueQueue{byKey: make(map[domain.JobKey]*entry)}
}

func (q *dueQueue) Len() int { return len(q.items) }

func (q *dueQueue) Less(i, j int) bool {
	if q.items[i].due.Equal(q.items[j].due) {
		return q.items[i].key < q.items[j].key
	}
	return q.items[i].due.Before(q.items[j].due)
}

func (q *dueQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *dueQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(q.items)
	q.items = append(q.items, e)
}

func (q *dueQueue) Pop() any {
	old := q.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	q.items = old[:n-1]
	return e
}

// upsert вставляет или переносит запись.
func (q *dueQueue) upsert(key domain.JobKey, due time.Time, claim *domain.Claim) {
	if e, ok := q.byKey[key]; ok {
		e.due = due
		e.claim = claim
		heap.Fix(q, e.index)
		return
	}
	e := &entry{key: key, due: due, claim: claim}
	heap.Push(q, e)
	q.byKey[key] = e
}

// remove удаляет запись по ключу.
func (q *dueQueue) remove(key domain.JobKey) bool {
	e, ok := q.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(q, e.index)
	delete(q.byKey, key)
	return true
}

// peek возвращает ближайшую запись или nil.
func (q *dueQueue) peek() *entry {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// popDue извлекает все записи со сроком не позже now.
func (q *dueQueue) popDue(now time.Time) []*entry {
	var out []*entry
	for len(q.items) > 0 && !q.items[0].due.After(now) {
		e := heap.Pop(q).(*entry)
		delete(q.byKey, e.key)
		out = append(out, e)
	}
	return out
}

// reset очищает очередь.
func (q *dueQueue) reset() {
	q.items = nil
	q.byKey = make(map[domain.JobKey]*entry)
}
