package scheduler

// ─────────────────────────────────────────────
// Lua Scripts for Atomic Redis Operations
// ─────────────────────────────────────────────

// LuaClaimDue atomically claims tasks whose next poll is due by pushing
// their score one lease into the future. Two instances running the script
// concurrently never receive the same task id.
//
// KEYS[1] = tasks:inflight   (sorted set, score = next poll unix ms)
// ARGV[1] = now (unix ms)
// ARGV[2] = lease (ms)
// ARGV[3] = max tasks to claim
//
// Returns: list of claimed task ids
const LuaClaimDue = `
local key   = KEYS[1]
local now   = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local due = redis.call("ZRANGEBYSCORE", key, "-inf", now, "LIMIT", 0, limit)
for _, id in ipairs(due) do
    redis.call("ZADD", key, "XX", now + lease, id)
end
return due
`

// LuaTrack adds a task unless it is already tracked.
//
// KEYS[1] = tasks:inflight
// ARGV[1] = first poll time (unix ms)
// ARGV[2] = task id
//
// Returns: 1 when added, 0 when already present
const LuaTrack = `
if redis.call("ZSCORE", KEYS[1], ARGV[2]) then
    return 0
end
redis.call("ZADD", KEYS[1], tonumber(ARGV[1]), ARGV[2])
return 1
`
