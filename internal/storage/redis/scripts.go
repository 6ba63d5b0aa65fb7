package redis

import "github.com/redis/go-redis/v9"

// Script return codes shared by the Lua scripts below.
const (
	scriptOK             = 0
	scriptDuplicateKey   = -1
	scriptNegative       = -2
	scriptOpenSession    = -3
	scriptMissingSession = -4
)

const (
	// appendTransactionScript checks idempotency and balance, then writes the
	// transaction, its indexes and the new balance in one atomic step.
	appendTransactionScript = `
local balance_key = KEYS[1]   -- luna:balance:{userID}
local txn_key = KEYS[2]       -- luna:txn:{txnID}
local user_txns = KEYS[3]     -- luna:txns:user:{userID}
local idem_key = KEYS[4]      -- luna:idem:{idempotencyKey}

local txn_id = ARGV[1]
local user_id = ARGV[2]
local delta = tonumber(ARGV[3])
local kind = ARGV[4]
local idempotency_key = ARGV[5]
local session_id = ARGV[6]
local note = ARGV[7]
local created_at = ARGV[8]
local used_delta = tonumber(ARGV[9])

if idempotency_key ~= '' and redis.call('EXISTS', idem_key) == 1 then
  return {-1, 0, 0}
end

local remaining = tonumber(redis.call('HGET', balance_key, 'minutes_remaining') or '0')
local used = tonumber(redis.call('HGET', balance_key, 'minutes_used') or '0')
local next_remaining = remaining + delta
if next_remaining < 0 then
  return {-2, remaining, used}
end
local next_used = used + used_delta

redis.call('HSET', txn_key,
  'id', txn_id,
  'user_id', user_id,
  'delta', delta,
  'kind', kind,
  'idempotency_key', idempotency_key,
  'session_id', session_id,
  'note', note,
  'created_at', created_at
)
redis.call('LPUSH', user_txns, txn_id)

if idempotency_key ~= '' then
  redis.call('SET', idem_key, txn_id)
end

redis.call('HSET', balance_key,
  'user_id', user_id,
  'minutes_remaining', next_remaining,
  'minutes_used', next_used,
  'updated_at', created_at
)

return {0, next_remaining, next_used}
`

	// createSessionScript inserts a session unless the user already has an open one
	createSessionScript = `
local session_key = KEYS[1]   -- luna:session:{sessionID}
local open_set = KEYS[2]      -- luna:sessions:open
local user_open = KEYS[3]     -- luna:sessions:open:user:{userID}
local user_sessions = KEYS[4] -- luna:sessions:user:{userID}

local session_id = ARGV[1]
local user_id = ARGV[2]
local status = ARGV[3]
local started_at = ARGV[4]
local ended_at = ARGV[5]
local last_activity_at = ARGV[6]
local minutes_debited = ARGV[7]
local end_reason = ARGV[8]
local started_score = ARGV[9]
local messages_count = ARGV[10] or '0'

local open = status ~= 'closed'
if open and redis.call('EXISTS', user_open) == 1 then
  return -3
end

redis.call('HSET', session_key,
  'id', session_id,
  'user_id', user_id,
  'status', status,
  'started_at', started_at,
  'ended_at', ended_at,
  'last_activity_at', last_activity_at,
  'minutes_debited', minutes_debited,
  'messages_count', messages_count,
  'end_reason', end_reason
)
redis.call('ZADD', user_sessions, started_score, session_id)

if open then
  redis.call('SADD', open_set, session_id)
  redis.call('SET', user_open, session_id)
end

return 0
`

	// updateSessionScript rewrites a session and drops it from the open indexes once closed
	updateSessionScript = `
local session_key = KEYS[1]   -- luna:session:{sessionID}
local open_set = KEYS[2]      -- luna:sessions:open
local user_open = KEYS[3]     -- luna:sessions:open:user:{userID}

local session_id = ARGV[1]
local status = ARGV[2]
local ended_at = ARGV[3]
local last_activity_at = ARGV[4]
local minutes_debited = ARGV[5]
local end_reason = ARGV[6]
local messages_count = ARGV[7] or '0'

if redis.call('EXISTS', session_key) == 0 then
  return -4
end

redis.call('HSET', session_key,
  'status', status,
  'ended_at', ended_at,
  'last_activity_at', last_activity_at,
  'minutes_debited', minutes_debited,
  'messages_count', messages_count,
  'end_reason', end_reason
)

if status == 'closed' then
  redis.call('SREM', open_set, session_id)
  if redis.call('GET', user_open) == session_id then
    redis.call('DEL', user_open)
  end
end

return 0
`
)

var (
	appendTransaction = redis.NewScript(appendTransactionScript)
	createSession     = redis.NewScript(createSessionScript)
	updateSession     = redis.NewScript(updateSessionScript)
)
