// Package idempotency provides settlement stores that survive beyond a single
// process.
//
// # Overview
//
// A payer that retries a demand after a timeout must not pay twice. The
// payment client deduplicates on-chain settlements through a
// paycore.SettlementStore keyed by demand id. The in-process
// paycore.SettlementCache covers a single instance; RedisStore covers
// several instances paying from the same account.
//
// # Usage
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := idempotency.NewRedisStore(rdb,
//	    idempotency.WithTTL(30*time.Minute),
//	    idempotency.WithKeyPrefix("agent-7:"),
//	)
//	c := client.New(config, signer, gateway, client.WithStore(store))
//
// # How It Works
//
// 1. CheckAndMark looks for a stored proof and otherwise sets an in-flight
// marker with SETNX. The marker carries a lease so a crashed payer does not
// block the key forever.
//
// 2. Other callers see the marker and poll until the proof appears or the
// marker disappears.
//
// 3. Complete stores the proof and drops the marker in one transaction. Fail
// only drops the marker.
//
// Failed settlements are NOT cached, allowing legitimate retries.
package idempotency
