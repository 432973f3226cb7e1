package redis

// Redis key naming for queue data. Everything lives under a configurable
// prefix, "testrun:queue:" by default.

const defaultPrefix = "testrun:queue:"

type keys struct {
	prefix string
}

// entry returns the Hash key of an entry: {prefix}job:{id}
func (k keys) entry(jobID string) string { return k.prefix + "job:" + jobID }

// entryPrefix is the entry key without the id, handed to Lua scripts.
func (k keys) entryPrefix() string { return k.prefix + "job:" }

// pending is the Sorted Set of pending job ids scored by enqueue time (ms).
func (k keys) pending() string { return k.prefix + "pending" }

// leased is the Sorted Set of leased job ids scored by lock expiry (ms).
func (k keys) leased() string { return k.prefix + "leased" }

// finished returns the Sorted Set of completed or failed ids scored by finish time (ms).
func (k keys) finished(state string) string { return k.prefix + state }

func (k keys) all(jobID string) []string {
	return []string{
		k.entry(jobID),
		k.pending(),
		k.leased(),
		k.finished("completed"),
		k.finished("failed"),
	}
}
