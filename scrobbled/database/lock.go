package database

import "hash/fnv"

// Well-known lock IDs for lock functions in the database. These should not
// change. If locks are deprecated, they should be kept in this list to avoid
// reusing the same ID.
const (
	LockIDDailyRollup = iota + 1
	LockIDQueuePurge
)

// GenLockID generates a unique and consistent lock ID from a given string.
// The stream processor derives per-partition locks from it.
func GenLockID(name string) int64 {
	hash := fnv.New64()
	_, _ = hash.Write([]byte(name))
	return int64(hash.Sum64())
}
