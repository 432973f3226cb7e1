package redis

import "github.com/redis/go-redis/v9"

// KEYS: entry, pending, leased, completed, failed
// ARGV: job id, payload, now ms, max lease retries
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'pending' then
  return 0
end
if state == 'leased' then
  local now = tonumber(ARGV[3])
  local lock = tonumber(redis.call('HGET', KEYS[1], 'lock_until'))
  local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
  if now < lock or attempts <= tonumber(ARGV[4]) then
    return 0
  end
end
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'job_id', ARGV[1],
  'payload', ARGV[2],
  'state', 'pending',
  'attempts', 0,
  'owner', '',
  'enqueued_at', ARGV[3],
  'lock_until', 0,
  'finished_at', 0)
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: pending, leased, failed
// ARGV: entry key prefix, now ms, lock until ms, max lease retries, owner
var leaseScript = redis.NewScript(`
local maxRetries = tonumber(ARGV[4])

local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(expired) do
  local key = ARGV[1] .. id
  local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
  redis.call('ZREM', KEYS[2], id)
  if attempts > maxRetries then
    redis.call('HSET', key, 'state', 'failed', 'owner', '', 'finished_at', ARGV[2])
    redis.call('ZADD', KEYS[3], ARGV[2], id)
  else
    redis.call('HSET', key, 'state', 'pending', 'owner', '')
    redis.call('ZADD', KEYS[1], redis.call('HGET', key, 'enqueued_at'), id)
  end
end

local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end

local id = head[1]
local key = ARGV[1] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'state', 'leased', 'owner', ARGV[5], 'lock_until', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], id)
return redis.call('HGETALL', key)
`)

// KEYS: entry, pending, leased, completed, failed
// ARGV: job id, owner, now ms, action (renew|complete|retry|fail), lock until ms, max lease retries
var settleScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'leased' then
  return 0
end
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[2] then
  return 0
end
local now = tonumber(ARGV[3])
if now >= tonumber(redis.call('HGET', KEYS[1], 'lock_until')) then
  return 0
end

local action = ARGV[4]
if action == 'renew' then
  redis.call('HSET', KEYS[1], 'lock_until', ARGV[5])
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
  return 1
end

redis.call('ZREM', KEYS[3], ARGV[1])
if action == 'retry' and tonumber(redis.call('HGET', KEYS[1], 'attempts')) <= tonumber(ARGV[6]) then
  redis.call('HSET', KEYS[1], 'state', 'pending', 'owner', '', 'lock_until', 0)
  redis.call('ZADD', KEYS[2], redis.call('HGET', KEYS[1], 'enqueued_at'), ARGV[1])
  return 1
end

local state = 'failed'
local finished = KEYS[5]
if action == 'complete' then
  state = 'completed'
  finished = KEYS[4]
end
redis.call('HSET', KEYS[1], 'state', state, 'owner', '', 'finished_at', ARGV[3])
redis.call('ZADD', finished, ARGV[3], ARGV[1])
return 1
`)

// KEYS: finished set
// ARGV: entry key prefix, cutoff ms, limit, state
var cleanScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
local removed = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HGET', key, 'state') == ARGV[4] then
    redis.call('DEL', key)
    removed = removed + 1
  end
end
return removed
`)
