package redis

// Redis key naming conventions. All keys share the configurable prefix,
// "acidic:" by default.

// queueKey is the List of ready jobs: acidic:queue:{name}
func (k keys) queue() string { return k.prefix + "queue:" + k.name }

// delayedKey is the Sorted Set of retries scored by due time in unix ms:
// acidic:delayed:{name}
func (k keys) delayed() string { return k.prefix + "delayed:" + k.name }

// deadKey is the List of jobs that exhausted their attempts:
// acidic:dead:{name}
func (k keys) dead() string { return k.prefix + "dead:" + k.name }

// batchKey is the Hash holding a batch's remaining count and callback:
// acidic:batch:{id}
func (k keys) batch(id string) string { return k.prefix + "batch:" + id }

type keys struct {
	prefix string
	name   string
}
