package tools

import "hash/fnv"

// ShardIndex chooses shard number in range [0, numShards) for a string key.
func ShardIndex(s string, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(s))
	return int(hash.Sum64() % uint64(numShards))
}
