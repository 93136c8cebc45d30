package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-runtime/protocol"
	"github.com/raniellyferreira/redis-runtime/storage"
)

type cmdFlags int

const (
	// flagWrite commands modify the keyspace and are propagated to replicas
	flagWrite cmdFlags = 1 << iota
	// flagPubSub commands are allowed while the client has subscriptions
	flagPubSub
	// flagNoAuth commands are allowed before AUTH
	flagNoAuth
	// flagNoScript commands cannot be called from Lua
	flagNoScript
)

type handlerFunc func(c *Client, ctx context.Context, cmd *protocol.Command) protocol.Value

// command describes one entry of the command table. arity counts the
// command name: a positive arity is exact, a negative one a minimum.
type command struct {
	handler handlerFunc
	arity   int
	flags   cmdFlags
}

var commands map[string]command

func init() {
	commands = map[string]command{
		// connection
		"AUTH":   {(*Client).handleAuth, 2, flagNoAuth | flagNoScript},
		"PING":   {(*Client).handlePing, -1, flagPubSub},
		"ECHO":   {(*Client).handleEcho, 2, 0},
		"SELECT": {(*Client).handleSelect, 2, flagNoScript},
		"QUIT":   {(*Client).handleQuit, 1, flagNoAuth | flagPubSub | flagNoScript},

		// keyspace
		"GET":      {(*Client).handleGet, 2, 0},
		"SET":      {(*Client).handleSet, -3, flagWrite},
		"SETNX":    {(*Client).handleSetNX, 3, flagWrite},
		"MGET":     {(*Client).handleMGet, -2, 0},
		"DEL":      {(*Client).handleDel, -2, flagWrite},
		"EXISTS":   {(*Client).handleExists, -2, 0},
		"TYPE":     {(*Client).handleType, 2, 0},
		"TTL":      {(*Client).handleTTL, 2, 0},
		"PTTL":     {(*Client).handlePTTL, 2, 0},
		"EXPIRE":   {(*Client).handleExpire, 3, flagWrite},
		"KEYS":     {(*Client).handleKeys, 2, 0},
		"SCAN":     {(*Client).handleScan, -2, 0},
		"DBSIZE":   {(*Client).handleDBSize, 1, 0},
		"FLUSHDB":  {(*Client).handleFlushDB, 1, flagWrite},
		"FLUSHALL": {(*Client).handleFlushAll, 1, flagWrite},

		// scripting
		"EVAL":    {(*Client).handleEval, -3, flagWrite | flagNoScript},
		"EVALSHA": {(*Client).handleEvalSHA, -3, flagWrite | flagNoScript},
		"SCRIPT":  {(*Client).handleScript, -2, flagNoScript},

		// pub/sub
		"PUBLISH":      {(*Client).handlePublish, 3, 0},
		"SUBSCRIBE":    {(*Client).handleSubscribe, -2, flagPubSub | flagNoScript},
		"UNSUBSCRIBE":  {(*Client).handleUnsubscribe, -1, flagPubSub | flagNoScript},
		"PSUBSCRIBE":   {(*Client).handlePSubscribe, -2, flagPubSub | flagNoScript},
		"PUNSUBSCRIBE": {(*Client).handlePUnsubscribe, -1, flagPubSub | flagNoScript},

		// replication
		"INFO":      {(*Client).handleInfo, -1, 0},
		"REPLICAOF": {(*Client).handleReplicaOf, 3, flagNoScript},
		"SLAVEOF":   {(*Client).handleReplicaOf, 3, flagNoScript},
		"REPLCONF":  {(*Client).handleReplConf, -1, flagNoScript},
		"PSYNC":     {(*Client).handlePSync, 3, flagNoScript},
		"SYNC":      {(*Client).handlePSync, 1, flagNoScript},
		"ROLE":      {(*Client).handleRole, 1, 0},

		// persistence
		"CONFIG":   {(*Client).handleConfig, -2, flagNoScript},
		"SAVE":     {(*Client).handleSave, 1, flagNoScript},
		"BGSAVE":   {(*Client).handleBGSave, -1, flagNoScript},
		"LASTSAVE": {(*Client).handleLastSave, 1, 0},
	}
}

type scriptCtxKey struct{}

// execute runs cmd for c and returns its reply. A zero Value means the
// handler already wrote its replies.
func (s *Server) execute(ctx context.Context, c *Client, cmd *protocol.Command) protocol.Value {
	s.commandCount.Inc()
	inScript := ctx.Value(scriptCtxKey{}) != nil

	def, ok := commands[cmd.Name]
	if !ok {
		return errorf("ERR unknown command '%s'", strings.ToLower(cmd.Name))
	}
	if !c.authenticated && def.flags&flagNoAuth == 0 {
		return errorf("NOAUTH Authentication required.")
	}
	if (def.arity > 0 && len(cmd.Args)+1 != def.arity) || (def.arity < 0 && len(cmd.Args)+1 < -def.arity) {
		return errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd.Name))
	}
	if inScript && def.flags&flagNoScript != 0 {
		return errorf("ERR This Redis command is not allowed from script")
	}
	if c.subscriptions() > 0 && def.flags&flagPubSub == 0 {
		return errorf("ERR Can't execute '%s': only (P)SUBSCRIBE / (P)UNSUBSCRIBE / PING / QUIT are allowed in this context", strings.ToLower(cmd.Name))
	}

	if def.flags&flagWrite == 0 || inScript {
		return def.handler(c, ctx, cmd)
	}

	if s.isReplica() && !c.fromMaster {
		return errorf("READONLY You can't write against a read only replica.")
	}

	// writes are serialized so replicas see them in execution order
	s.replicationCtl.mu.Lock()
	defer s.replicationCtl.mu.Unlock()
	reply := def.handler(c, ctx, cmd)
	if !reply.IsError() {
		s.persistence.changes.Inc()
		s.propagateLocked(c.db.Index(), s.propagatedForm(cmd))
	}
	return reply
}

// dispatchScript runs redis.call commands issued by a script
func (s *Server) dispatchScript(ctx context.Context, name string, args [][]byte) protocol.Value {
	c, _ := ctx.Value(scriptCtxKey{}).(*Client)
	if c == nil {
		return errorf("ERR script called outside of a client context")
	}
	return s.execute(ctx, c, &protocol.Command{Name: name, Args: args})
}

// Reply constructors

var noReply = protocol.Value{}

func simple(s string) protocol.Value {
	return protocol.Value{Type: protocol.TypeSimpleString, Data: []byte(s)}
}

func ok() protocol.Value {
	return simple("OK")
}

func errorf(format string, args ...any) protocol.Value {
	return protocol.Value{Type: protocol.TypeError, Data: []byte(fmt.Sprintf(format, args...))}
}

func bulk(b []byte) protocol.Value {
	return protocol.Value{Type: protocol.TypeBulkString, Data: b}
}

func bulkString(s string) protocol.Value {
	return bulk([]byte(s))
}

func null() protocol.Value {
	return protocol.Value{Type: protocol.TypeBulkString, IsNull: true}
}

func integer(n int64) protocol.Value {
	return protocol.Value{Type: protocol.TypeInteger, Integer: n}
}

func array(items ...protocol.Value) protocol.Value {
	if items == nil {
		items = []protocol.Value{}
	}
	return protocol.Value{Type: protocol.TypeArray, Array: items}
}

func bulkArray(strs []string) protocol.Value {
	items := make([]protocol.Value, len(strs))
	for i, s := range strs {
		items[i] = bulkString(s)
	}
	return array(items...)
}

func argStrings(args [][]byte) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = string(a)
	}
	return out
}

var errNotInteger = errorf("ERR value is not an integer or out of range")

// Connection commands

func (c *Client) handleAuth(_ context.Context, cmd *protocol.Command) protocol.Value {
	if c.server.password == "" {
		return errorf("ERR Client sent AUTH, but no password is set")
	}
	if cmd.Arg(0) != c.server.password {
		return errorf("WRONGPASS invalid username-password pair")
	}
	c.authenticated = true
	return ok()
}

func (c *Client) handlePing(_ context.Context, cmd *protocol.Command) protocol.Value {
	if len(cmd.Args) > 1 {
		return errorf("ERR wrong number of arguments for 'ping' command")
	}
	if c.subscriptions() > 0 {
		return array(bulkString("pong"), bulkString(cmd.Arg(0)))
	}
	if len(cmd.Args) == 1 {
		return bulk(cmd.Args[0])
	}
	return simple("PONG")
}

func (c *Client) handleEcho(_ context.Context, cmd *protocol.Command) protocol.Value {
	return bulk(cmd.Args[0])
}

func (c *Client) handleSelect(_ context.Context, cmd *protocol.Command) protocol.Value {
	index, err := strconv.Atoi(cmd.Arg(0))
	if err != nil {
		return errNotInteger
	}
	db, err := c.server.storage.DB(index)
	if err != nil {
		return errorf("ERR %v", err)
	}
	c.db = db
	return ok()
}

func (c *Client) handleQuit(context.Context, *protocol.Command) protocol.Value {
	return ok()
}

// Keyspace commands

func (c *Client) handleGet(_ context.Context, cmd *protocol.Command) protocol.Value {
	value, exists := c.db.Get(cmd.Arg(0))
	if !exists {
		return null()
	}
	return bulk(value)
}

func (c *Client) handleSet(_ context.Context, cmd *protocol.Command) protocol.Value {
	var (
		expiry *time.Time
		cond   = storage.SetAlways
	)
	for i := 2; i < len(cmd.Args); i++ {
		switch opt := strings.ToUpper(cmd.Arg(i)); opt {
		case "NX", "XX":
			if cond != storage.SetAlways {
				return errorf("ERR syntax error")
			}
			cond = storage.SetIfAbsent
			if opt == "XX" {
				cond = storage.SetIfPresent
			}
		case "EX", "PX":
			if expiry != nil || i+1 >= len(cmd.Args) {
				return errorf("ERR syntax error")
			}
			n, err := strconv.ParseInt(cmd.Arg(i+1), 10, 64)
			if err != nil {
				return errNotInteger
			}
			if n <= 0 {
				return errorf("ERR invalid expire time in 'set' command")
			}
			unit := time.Second
			if opt == "PX" {
				unit = time.Millisecond
			}
			t := time.Now().Add(time.Duration(n) * unit)
			expiry = &t
			i++
		default:
			return errorf("ERR syntax error")
		}
	}

	if !c.db.SetCond(cmd.Arg(0), cmd.Args[1], expiry, cond) {
		return null()
	}
	return ok()
}

func (c *Client) handleSetNX(_ context.Context, cmd *protocol.Command) protocol.Value {
	if c.db.SetCond(cmd.Arg(0), cmd.Args[1], nil, storage.SetIfAbsent) {
		return integer(1)
	}
	return integer(0)
}

func (c *Client) handleMGet(_ context.Context, cmd *protocol.Command) protocol.Value {
	items := make([]protocol.Value, len(cmd.Args))
	for i, key := range cmd.Args {
		if value, ok := c.db.Get(string(key)); ok {
			items[i] = bulk(value)
		} else {
			items[i] = null()
		}
	}
	return array(items...)
}

func (c *Client) handleDel(_ context.Context, cmd *protocol.Command) protocol.Value {
	return integer(c.db.Del(argStrings(cmd.Args)...))
}

func (c *Client) handleExists(_ context.Context, cmd *protocol.Command) protocol.Value {
	return integer(c.db.Exists(argStrings(cmd.Args)...))
}

func (c *Client) handleType(_ context.Context, cmd *protocol.Command) protocol.Value {
	return simple(c.db.Type(cmd.Arg(0)).String())
}

func (c *Client) handleTTL(_ context.Context, cmd *protocol.Command) protocol.Value {
	ttl := c.db.TTL(cmd.Arg(0))
	if ttl < 0 {
		return integer(int64(ttl))
	}
	return integer(int64(ttl / time.Second))
}

func (c *Client) handlePTTL(_ context.Context, cmd *protocol.Command) protocol.Value {
	ttl := c.db.PTTL(cmd.Arg(0))
	if ttl < 0 {
		return integer(int64(ttl))
	}
	return integer(ttl.Milliseconds())
}

func (c *Client) handleExpire(_ context.Context, cmd *protocol.Command) protocol.Value {
	seconds, err := strconv.ParseInt(cmd.Arg(1), 10, 64)
	if err != nil {
		return errNotInteger
	}
	if seconds <= 0 {
		return integer(c.db.Del(cmd.Arg(0)))
	}
	if c.db.Expire(cmd.Arg(0), time.Now().Add(time.Duration(seconds)*time.Second)) {
		return integer(1)
	}
	return integer(0)
}

func (c *Client) handleKeys(_ context.Context, cmd *protocol.Command) protocol.Value {
	return bulkArray(c.db.Keys(cmd.Arg(0)))
}

func (c *Client) handleScan(_ context.Context, cmd *protocol.Command) protocol.Value {
	cursor, err := strconv.ParseUint(cmd.Arg(0), 10, 64)
	if err != nil {
		return errorf("ERR invalid cursor")
	}
	match, count := "", 10
	for i := 1; i < len(cmd.Args); i += 2 {
		if i+1 >= len(cmd.Args) {
			return errorf("ERR syntax error")
		}
		switch strings.ToUpper(cmd.Arg(i)) {
		case "MATCH":
			match = cmd.Arg(i + 1)
		case "COUNT":
			count, err = strconv.Atoi(cmd.Arg(i + 1))
			if err != nil || count < 1 {
				return errorf("ERR syntax error")
			}
		default:
			return errorf("ERR syntax error")
		}
	}

	next, keys := c.db.Scan(cursor, match, count)
	return array(bulkString(strconv.FormatUint(next, 10)), bulkArray(keys))
}

func (c *Client) handleDBSize(context.Context, *protocol.Command) protocol.Value {
	return integer(c.db.KeyCount())
}

func (c *Client) handleFlushDB(context.Context, *protocol.Command) protocol.Value {
	c.db.Flush()
	return ok()
}

func (c *Client) handleFlushAll(context.Context, *protocol.Command) protocol.Value {
	c.server.storage.FlushAll()
	return ok()
}

// Scripting commands

// scriptArgs splits "numkeys key... arg..." following the script or digest
func scriptArgs(cmd *protocol.Command) (keys, args []string, bad protocol.Value) {
	numKeys, err := strconv.Atoi(cmd.Arg(1))
	if err != nil {
		return nil, nil, errNotInteger
	}
	if numKeys < 0 || len(cmd.Args) < 2+numKeys {
		return nil, nil, errorf("ERR Number of keys can't be negative or greater than number of args")
	}
	rest := argStrings(cmd.Args[2:])
	return rest[:numKeys], rest[numKeys:], noReply
}

func (c *Client) handleEval(ctx context.Context, cmd *protocol.Command) protocol.Value {
	keys, args, bad := scriptArgs(cmd)
	if bad.Type != 0 {
		return bad
	}
	result, err := c.server.lua.Eval(context.WithValue(ctx, scriptCtxKey{}, c), cmd.Arg(0), keys, args)
	if err != nil {
		return errorf("%s", err.Error())
	}
	return result
}

func (c *Client) handleEvalSHA(ctx context.Context, cmd *protocol.Command) protocol.Value {
	keys, args, bad := scriptArgs(cmd)
	if bad.Type != 0 {
		return bad
	}
	result, err := c.server.lua.EvalSHA(context.WithValue(ctx, scriptCtxKey{}, c), cmd.Arg(0), keys, args)
	if err != nil {
		return errorf("%s", err.Error())
	}
	return result
}

func (c *Client) handleScript(_ context.Context, cmd *protocol.Command) protocol.Value {
	switch sub := strings.ToUpper(cmd.Arg(0)); sub {
	case "LOAD":
		if len(cmd.Args) != 2 {
			return errorf("ERR wrong number of arguments for 'script|load' command")
		}
		return bulkString(c.server.lua.LoadScript(cmd.Arg(1)))
	case "EXISTS":
		if len(cmd.Args) < 2 {
			return errorf("ERR wrong number of arguments for 'script|exists' command")
		}
		results := c.server.lua.ScriptExists(argStrings(cmd.Args[1:]))
		items := make([]protocol.Value, len(results))
		for i, exists := range results {
			if exists {
				items[i] = integer(1)
			} else {
				items[i] = integer(0)
			}
		}
		return array(items...)
	case "FLUSH":
		c.server.lua.ScriptFlush()
		return ok()
	default:
		return errorf("ERR unknown subcommand '%s'", sub)
	}
}
