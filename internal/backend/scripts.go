package backend

import "github.com/redis/go-redis/v9"

// KEYS[1] record, KEYS[2] target index when ARGV[3] == '1', then indexes to leave.
// ARGV[1] ttl ms (0 = none), ARGV[2] index score, ARGV[3] has index, ARGV[4..] field/value pairs.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
if tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local first = 2
if ARGV[3] == '1' then
  first = 3
end
for i = first, #KEYS do
  redis.call('ZREM', KEYS[i], KEYS[1])
end
if ARGV[3] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[2], KEYS[1])
end
return 1
`)

// KEYS as for insertScript.
// ARGV[1] guard field, ARGV[2] ttl ms, ARGV[3] index score, ARGV[4] has index,
// ARGV[5] n, ARGV[6..5+n] accepted guard values, remaining field/value pairs.
//
// Returns {0} when the record is absent, {1, current} when the guard fails and
// {2, HGETALL} after a successful update.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0}
end
local current = redis.call('HGET', KEYS[1], ARGV[1]) or ''
local n = tonumber(ARGV[5])
local accepted = false
for i = 6, 5 + n do
  if ARGV[i] == current then
    accepted = true
    break
  end
end
if not accepted then
  return {1, current}
end
if #ARGV > 5 + n then
  redis.call('HSET', KEYS[1], unpack(ARGV, 6 + n))
end
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  redis.call('PERSIST', KEYS[1])
end
local first = 2
if ARGV[4] == '1' then
  first = 3
end
for i = first, #KEYS do
  redis.call('ZREM', KEYS[i], KEYS[1])
end
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[2], ARGV[3], KEYS[1])
end
return {2, redis.call('HGETALL', KEYS[1])}
`)
