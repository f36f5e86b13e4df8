// Package kv provides the transactional key-value layer that the
// segment store and the sync spool are built on.
//
// A store contains named buckets and buckets contain sorted key-value
// pairs:
//
//  - Store
//    - Bucket A
//      - key1: abc
//      - key2: def
//    - Bucket B
//      - keyN: aaa
//
// Transactions are serializable: at most one read-write transaction
// runs at a time and read-only transactions see a consistent view of
// the most recently committed state. The only driver is bbolt. Stores
// opened with NoSync defer durability to an explicit Sync, which is how
// the segment store implements Flush.
package kv
