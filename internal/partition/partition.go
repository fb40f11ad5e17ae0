// Package partition maps (rule id, grouping key) pairs onto aggregation workers.
package partition

import (
	"hash/fnv"
	"strconv"
)

// For returns the worker index in [0, n) that owns the pair. The mapping is
// stable across processes and restarts.
func For(ruleID int, groupingKey string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.Itoa(ruleID)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(groupingKey))
	return int(h.Sum32() % uint32(n))
}

// ForTransaction returns the dispatch worker in [0, n) for a transaction id.
func ForTransaction(txID int64, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(txID, 10)))
	return int(h.Sum32() % uint32(n))
}
