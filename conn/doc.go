// Package conn implements a single RESP connection to the store.
//
// A Conn is either in request/response mode, where Do and Pipeline write
// commands and wait for their replies, or in listening mode, where Send
// writes subscription commands and a single reader goroutine drains pushed
// messages with Receive. A connection never leaves listening mode.
//
// Transport failures move the connection to StateError and fire the
// listeners registered with OnError exactly once. An explicit Close moves
// it to StateClosed and fires the OnEnd listeners. Error replies from the
// store are returned as *errext.ReplyError and leave the connection usable.
//
// Basic usage:
//
//	c, err := conn.Dial(ctx, conn.Options{Addr: "localhost:6379"})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	reply, err := c.Do(ctx, "SET", "key", "value")
package conn
