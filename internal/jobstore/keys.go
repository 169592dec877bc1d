package jobstore

// All keys share the "taskmgr:" prefix so the store can live next to other
// data in the same Redis database.
const keyPrefix = "taskmgr:"

// jobKey returns the hash key for a job record: taskmgr:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey returns the list key for a queue: taskmgr:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// retryKey is the sorted set of job ids waiting for their retry backoff,
// scored by due time in unix milliseconds.
const retryKey = keyPrefix + "retry"

// workerKey returns the hash key for a registered worker.
func workerKey(name string) string { return keyPrefix + "worker:" + name }

// workersKey is the set of registered worker names.
const workersKey = keyPrefix + "workers"

// lockKey returns the key for a named lock.
func lockKey(name string) string { return keyPrefix + "lock:" + name }

// totalFieldPrefix prefixes the per-type counters in a worker hash.
const totalFieldPrefix = "total:"
