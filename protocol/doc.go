// Package protocol implements the subset of the Redis Serialization
// Protocol (RESP2) spoken between runtime clients and the store.
//
// The same Reader and Writer are used on both sides of a connection:
// clients encode commands with WriteArgs and read replies with ReadNext,
// the embedded server does the reverse.
//
// Basic usage:
//
//	args, _ := protocol.EncodeArgs("SET", "key", []byte("v"), "EX", 60)
//	w := protocol.NewWriter(conn)
//	_ = w.WriteArgs(args)
//	_ = w.Flush()
//
//	r := protocol.NewReader(conn)
//	reply, err := r.ReadNext()
//
// Connections in subscriber mode receive out-of-band arrays which ParsePush
// turns into a Push.
package protocol
