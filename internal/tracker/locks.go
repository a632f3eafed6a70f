package tracker

import (
	"hash/fnv"
	"sync"
)

// lockShards trades memory for contention: agents hash onto independent
// mutexes so tracking different agents never serializes.
const lockShards = 64

// keyedMutex serializes all writes for one agent while letting different
// agents proceed in parallel.
type keyedMutex struct {
	shards [lockShards]sync.Mutex
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%lockShards]
	m.Lock()
	return m
}
