// Package pancake is an embedded, serializable snapshot isolation
// key-value engine. A DB exposes snapshot-isolated transactions
// (DB.Txn), background flush+compaction, and secondary indexes over
// sub-value projections of stored values.
package pancake
