package cache

// deductScript executes the whole read-check-write deduction as one server-side
// transaction: purge expired rollovers, verify sufficiency, consume rollovers
// nearest expiry first, then the base allowance, and write the snapshot back.
// Statuses: 1 applied, 2 unlimited (no mutation), 0 insufficient,
// -1 key missing, -2 feature missing. Numbers are returned as strings because
// redis truncates Lua floats to integers.
const deductScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return {-1, "", ""}
end
local snap = cjson.decode(raw)
local features = snap["features"]
if features == nil then
  return {-2, "", ""}
end
local f = features[ARGV[1]]
if f == nil then
  return {-2, "", ""}
end
if f["unlimited"] then
  return {2, "", ""}
end

local amount = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local rollovers = f["rollovers"]
local purged = false
if rollovers ~= nil then
  local kept = {}
  for i = 1, #rollovers do
    local r = rollovers[i]
    if r["expires_at"] < now then
      f["balance"] = f["balance"] - r["balance"]
      purged = true
    else
      kept[#kept + 1] = r
    end
  end
  if purged then
    if #kept == 0 then
      f["rollovers"] = nil
    else
      f["rollovers"] = kept
    end
    rollovers = f["rollovers"]
  end
end

if f["balance"] < amount and not f["overage_allowed"] then
  if purged then
    features[ARGV[1]] = f
    redis.call("SET", KEYS[1], cjson.encode(snap), "KEEPTTL")
  end
  return {0, tostring(f["balance"]), ""}
end

local fromRollover = 0
local remaining = amount
if rollovers ~= nil then
  table.sort(rollovers, function(a, b) return a["expires_at"] < b["expires_at"] end)
  for i = 1, #rollovers do
    local r = rollovers[i]
    if remaining <= 0 then
      break
    end
    local take = math.min(r["balance"], remaining)
    if take > 0 then
      r["balance"] = r["balance"] - take
      r["usage"] = (r["usage"] or 0) + take
      remaining = remaining - take
      fromRollover = fromRollover + take
    end
  end
end

f["balance"] = f["balance"] - amount
f["usage"] = (f["usage"] or 0) + amount
features[ARGV[1]] = f

redis.call("SET", KEYS[1], cjson.encode(snap), "KEEPTTL")
return {1, tostring(f["balance"]), tostring(fromRollover)}
`

// setFeatureScript overwrites one feature's state inside a snapshot without
// disturbing concurrent deductions against other features.
const setFeatureScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local snap = cjson.decode(raw)
if snap["features"] == nil then
  snap["features"] = {}
end
snap["features"][ARGV[1]] = cjson.decode(ARGV[2])
redis.call("SET", KEYS[1], cjson.encode(snap), "KEEPTTL")
return 1
`
