// Package lua provides Redis-compatible Lua script execution for the
// embedded store.
//
// Scripts see KEYS and ARGV and reach the store through redis.call and
// redis.pcall, which run commands through the Dispatcher the engine was
// created with. Only the base, table, string and math libraries are
// loaded. Replies are converted with the store's own rules: nil becomes
// false, status replies become {ok=...} and errors {err=...}.
package lua
