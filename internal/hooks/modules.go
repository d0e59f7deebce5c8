package hooks

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/presenced/internal/kv"
)

// logModule provides logging functions to Lua
type logModule struct{}

func newLogModule() *logModule {
	return &logModule{}
}

// Loader is the module loader for Lua
func (m *logModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "debug", L.NewFunction(m.at(zerolog.DebugLevel)))
	L.SetField(mod, "info", L.NewFunction(m.at(zerolog.InfoLevel)))
	L.SetField(mod, "warn", L.NewFunction(m.at(zerolog.WarnLevel)))
	L.SetField(mod, "error", L.NewFunction(m.at(zerolog.ErrorLevel)))

	L.Push(mod)
	return 1
}

// at returns log.<level>(msg, fields)
func (m *logModule) at(level zerolog.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		msg := L.CheckString(1)

		event := log.WithLevel(level).Str("source", "lua")
		if tbl, ok := L.Get(2).(*lua.LTable); ok {
			tbl.ForEach(func(k, v lua.LValue) {
				event = event.Interface(lua.LVAsString(k), luaToGo(v))
			})
		}
		event.Msg(msg)

		return 0
	}
}

const bucketTypeName = "kv_bucket"

// ScriptBucketPrefix namespaces script buckets away from the daemon's own.
const ScriptBucketPrefix = "lua:"

// kvModule gives scripts their own buckets.
type kvModule struct {
	manager *kv.Manager
}

func newKVModule(manager *kv.Manager) *kvModule {
	return &kvModule{manager: manager}
}

// Loader is the module loader for Lua.
func (m *kvModule) Loader(L *lua.LState) int {
	mt := L.NewTypeMetatable(bucketTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), bucketMethods))

	mod := L.NewTable()
	L.SetField(mod, "bucket", L.NewFunction(m.bucket))

	L.Push(mod)
	return 1
}

// kv.bucket(name) -> Bucket, stored as "lua:<name>"
func (m *kvModule) bucket(L *lua.LState) int {
	name := L.CheckString(1)

	ud := L.NewUserData()
	ud.Value = m.manager.Bucket(ScriptBucketPrefix + name)
	L.SetMetatable(ud, L.GetTypeMetatable(bucketTypeName))

	L.Push(ud)
	return 1
}

// Bucket methods accessible from Lua
var bucketMethods = map[string]lua.LGFunction{
	"store":  bucketStore,
	"get":    bucketGet,
	"delete": bucketDelete,
	"keys":   bucketKeys,
}

func checkBucket(L *lua.LState, pos int) kv.Bucket {
	ud := L.CheckUserData(pos)
	if bucket, ok := ud.Value.(kv.Bucket); ok {
		return bucket
	}
	L.ArgError(pos, "bucket expected")
	return nil
}

// store(key, value) -> nil
func bucketStore(L *lua.LState) int {
	bucket := checkBucket(L, 1)
	key := L.CheckString(2)

	if err := bucket.Store(key, luaToGo(L.Get(3))); err != nil {
		log.Warn().Err(err).
			Str("bucket", bucket.Name()).
			Str("key", key).
			Msg("Failed to store value")
	}
	return 0
}

// get(key) -> value | nil
func bucketGet(L *lua.LState) int {
	bucket := checkBucket(L, 1)
	key := L.CheckString(2)

	value, err := bucket.Get(key)
	if err != nil {
		log.Warn().Err(err).
			Str("bucket", bucket.Name()).
			Str("key", key).
			Msg("Failed to get value")
		L.Push(lua.LNil)
		return 1
	}

	L.Push(goToLua(L, value))
	return 1
}

// delete(key) -> bool
func bucketDelete(L *lua.LState) int {
	bucket := checkBucket(L, 1)
	key := L.CheckString(2)

	deleted, err := bucket.Delete(key)
	if err != nil {
		log.Warn().Err(err).
			Str("bucket", bucket.Name()).
			Str("key", key).
			Msg("Failed to delete key")
	}
	L.Push(lua.LBool(deleted))
	return 1
}

// keys() -> table
func bucketKeys(L *lua.LState) int {
	bucket := checkBucket(L, 1)

	tbl := L.NewTable()
	keys, err := bucket.Keys()
	if err != nil {
		log.Warn().Err(err).Str("bucket", bucket.Name()).Msg("Failed to list keys")
	}
	for i, key := range keys {
		tbl.RawSetInt(i+1, lua.LString(key))
	}

	L.Push(tbl)
	return 1
}

// presenceModule exposes read-only tracker state.
type presenceModule struct {
	people Directory
}

func newPresenceModule(people Directory) *presenceModule {
	return &presenceModule{people: people}
}

// Loader is the module loader for Lua.
func (m *presenceModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "people", L.NewFunction(m.list))
	L.SetField(mod, "is_present", L.NewFunction(m.isPresent))
	L.SetField(mod, "anyone_home", L.NewFunction(m.anyoneHome))

	L.Push(mod)
	return 1
}

// people() -> {{name, target, mac, present, transitions}, ...}
func (m *presenceModule) list(L *lua.LState) int {
	tbl := L.NewTable()
	for i, t := range m.people.Trackers() {
		s := t.Snapshot()
		row := L.NewTable()
		L.SetField(row, "name", lua.LString(s.Name))
		L.SetField(row, "target", lua.LString(s.Target))
		L.SetField(row, "mac", lua.LString(s.MAC))
		L.SetField(row, "present", lua.LBool(s.Present))
		L.SetField(row, "transitions", lua.LNumber(s.Transitions))
		tbl.RawSetInt(i+1, row)
	}
	L.Push(tbl)
	return 1
}

// is_present(name) -> bool | nil
func (m *presenceModule) isPresent(L *lua.LState) int {
	name := L.CheckString(1)
	for _, t := range m.people.Trackers() {
		if t.Device().Name == name {
			L.Push(lua.LBool(t.IsPresent()))
			return 1
		}
	}
	L.Push(lua.LNil)
	return 1
}

// anyone_home() -> bool
func (m *presenceModule) anyoneHome(L *lua.LState) int {
	for _, t := range m.people.Trackers() {
		if t.IsPresent() {
			L.Push(lua.LTrue)
			return 1
		}
	}
	L.Push(lua.LFalse)
	return 1
}
