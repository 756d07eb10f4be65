package redis

// Key layout shared by the Go code and the Lua scripts.
const (
	sessionSeqKey     = "ktrack:sessions:seq"
	sessionKeyPrefix  = "ktrack:session:"
	sessionsByStart   = "ktrack:sessions:by_start"
	sessionsByEnd     = "ktrack:sessions:by_end"
	ruleSeqKey        = "ktrack:privacy:seq"
	ruleKeyPrefix     = "ktrack:privacy:rule:"
	ruleIndexKey      = "ktrack:privacy:index"
	ruleIDsKey        = "ktrack:privacy:ids"
	categoriesHashKey = "ktrack:categories"
)

// insertBatchSize bounds the number of rows passed to one script call.
const insertBatchSize = 500

const (
	// insertSessionsScript appends pre-validated sessions and their indexes
	insertSessionsScript = `
local seq_key = KEYS[1]     -- ktrack:sessions:seq
local by_start = KEYS[2]    -- ktrack:sessions:by_start
local by_end = KEYS[3]      -- ktrack:sessions:by_end

local prefix = ARGV[1]
local inserted = 0

-- Rows follow as start_ts, end_ts, app, title, source
for i = 2, #ARGV, 5 do
  local id = tostring(redis.call('INCR', seq_key))
  redis.call('HSET', prefix .. id,
    'id', id,
    'start_ts', ARGV[i],
    'end_ts', ARGV[i + 1],
    'app', ARGV[i + 2],
    'title', ARGV[i + 3],
    'source', ARGV[i + 4]
  )
  redis.call('ZADD', by_start, ARGV[i], id)
  redis.call('ZADD', by_end, ARGV[i + 1], id)
  inserted = inserted + 1
end

return inserted
`

	// upsertRuleScript creates a rule or updates enabled/updated_ts on conflict
	upsertRuleScript = `
local seq_key = KEYS[1]     -- ktrack:privacy:seq
local index_key = KEYS[2]   -- ktrack:privacy:index
local ids_key = KEYS[3]     -- ktrack:privacy:ids

local prefix = ARGV[1]
local unique = ARGV[2]

local id = redis.call('HGET', index_key, unique)
if not id then
  id = tostring(redis.call('INCR', seq_key))
  redis.call('HSET', index_key, unique, id)
  redis.call('ZADD', ids_key, id, id)
  redis.call('HSET', prefix .. id,
    'id', id,
    'scope', ARGV[3],
    'match_mode', ARGV[4],
    'pattern', ARGV[5]
  )
end

redis.call('HSET', prefix .. id, 'enabled', ARGV[6], 'updated_ts', ARGV[7])

return id
`

	// setRuleEnabledScript toggles a rule, returning 0 when it does not exist
	setRuleEnabledScript = `
local rule_key = KEYS[1]    -- ktrack:privacy:rule:{id}

if redis.call('EXISTS', rule_key) == 0 then
  return 0
end

redis.call('HSET', rule_key, 'enabled', ARGV[1], 'updated_ts', ARGV[2])
return 1
`
)
