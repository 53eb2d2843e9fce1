package database

import (
	"hash/fnv"

	"github.com/google/uuid"
)

// UsageEventsNotifyChannel is the pubsub channel signaled after events are
// appended to the usage_events queue. It wakes the stream processor ahead
// of its poll interval; delivery is best-effort and the poller is the
// fallback.
const UsageEventsNotifyChannel = "usage_events"

// DefaultQueuePartitions is how many partitions the queue fans events into.
// The gateway and every processor instance must agree on the count or
// pending events land in partitions no worker owns.
const DefaultQueuePartitions = 16

// PartitionForDevice assigns a device to one of n queue partitions. Every
// event from a device lands in the same partition, which is what preserves
// per-device ordering through the processor.
func PartitionForDevice(deviceID uuid.UUID, n int32) int32 {
	hash := fnv.New32a()
	_, _ = hash.Write(deviceID[:])
	//nolint:gosec // Partition counts are small; the modulo keeps this in range.
	return int32(hash.Sum32() % uint32(n))
}
