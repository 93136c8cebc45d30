// Package redisruntime is a client runtime for Redis-compatible key-value
// stores.
//
// A Runtime bundles a bounded connection pool, JSON cache clients with
// optional gzip compression, a publish/subscribe broker with envelope
// validation and a master/replica topology manager, all built from one
// Config:
//
//	cfg, err := redisruntime.LoadConfig("")
//	if err != nil {
//		log.Fatal(err)
//	}
//	rt, err := redisruntime.New(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer rt.Close()
//
//	rt.Cache().Set(ctx, "user:1", user, time.Minute)
//
//	rt.PubSub().Subscribe(ctx, "orders", func(msg *pubsub.Message) {
//		var o Order
//		_ = msg.Decode(&o)
//	})
//	rt.PubSub().Publish(ctx, "orders", order)
//
// Configuration comes from DefaultConfig, an optional YAML file and
// REDISRT_* environment variables, in that order.
//
// The embedded store in package server speaks the same protocol and is
// used by kvctl serve and by the tests.
package redisruntime
