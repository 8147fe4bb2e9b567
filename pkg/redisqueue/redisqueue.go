// Package redisqueue runs the fleet job queue on top of Redis.
//
// # Components
//
// Producers enqueue jobs through a Queue handle obtained from a Manager.
// Workers claim jobs through Consumers, one at a time.
// At least one Reaper needs to run in the background to maintain the registries.
// Multi-key state transitions run as Lua server-side scripts for safe concurrent access.
//
// # Data structures
//
// Each queue is a list of job IDs, consumed from the head with BLPOP,
// so a job is claimed by at most one worker.
// The job itself is a hash holding a protobuf-encoded payload.
// Jobs that left the list are tracked in per-queue sorted sets (registries),
// scored by the unix time at which the entry expires or becomes due.
//
// Scripts address job keys derived from IDs, so the layout is incompatible with Redis Cluster.
package redisqueue

// KeyPrefix is prepended to every Redis key used by the queue.
const KeyPrefix = "fleet:"

// Global keys.
const (
	QueuesSet  = KeyPrefix + "queues"  // names of all queues ever used
	WorkersSet = KeyPrefix + "workers" // names of registered workers
)

// Keys holds the Redis keys of a single queue.
type Keys struct {
	Queue     string // list of queued job IDs
	Started   string // sorted set: job ID by deadline
	Finished  string // sorted set: job ID by expiry
	Failed    string // sorted set: job ID by expiry
	Deferred  string // sorted set: job ID waiting for a dependency
	Scheduled string // sorted set: job ID by due time
}

// KeysForQueue returns the keys of the named queue.
func KeysForQueue(name string) Keys {
	return Keys{
		Queue:     KeyPrefix + "queue:" + name,
		Started:   KeyPrefix + "wip:" + name,
		Finished:  KeyPrefix + "finished:" + name,
		Failed:    KeyPrefix + "failed:" + name,
		Deferred:  KeyPrefix + "deferred:" + name,
		Scheduled: KeyPrefix + "scheduled:" + name,
	}
}

// JobKey returns the hash key of a job.
func JobKey(id string) string {
	return KeyPrefix + "job:" + id
}

// DependentsKey returns the set of jobs waiting for the given job.
func DependentsKey(id string) string {
	return KeyPrefix + "job:" + id + ":dependents"
}

// WorkerKey returns the registration key of a worker.
func WorkerKey(name string) string {
	return KeyPrefix + "worker:" + name
}

// retainLua is a Lua helper shared by scripts that end a job.
// ttl < 0 keeps the job forever, 0 deletes it, otherwise it expires after ttl seconds.
const retainLua = `
local function retain(job_key, registry, id, ttl, now)
	if ttl == 0 then
		redis.call("DEL", job_key)
	elseif ttl < 0 then
		redis.call("PERSIST", job_key)
		redis.call("ZADD", registry, "+inf", id)
	else
		redis.call("EXPIRE", job_key, ttl)
		redis.call("ZADD", registry, now + ttl, id)
	end
end
`
