// Package writequeue decouples returning produced bytes to a caller from
// persisting them.
//
// Pending writes hold a share of a byte budget until a worker has stored
// the blob, inserted the metadata entry and set the existence bit, in that
// order. While pending, a write can be read back with Get.
//
// When the budget is exhausted the queue either writes synchronously on the
// caller's goroutine (bounding memory at the cost of latency) or drops the
// write; it never grows past the budget.
package writequeue
