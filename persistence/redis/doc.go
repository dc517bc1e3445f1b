// Package redis provides Redis-based implementations of taskarmy persistence interfaces.
//
// It lets several runs, or several machines, share one run history and one swap pair
// memory:
//   - HistoryStore: implements taskarmy.HistoryStore as an append-only list
//   - PairStore: implements taskarmy.PairMemory, the last swap pair per network
//
// # Basic Usage
//
//	client := redis.NewClient(&redis.Options{
//	    Addr: "localhost:6379",
//	})
//
//	history := redisstore.NewHistoryStore(client)
//	pairs := redisstore.NewPairStore(client)
//
//	executor := taskarmy.NewExecutor(taskarmy.WithPairMemory(pairs))
//	scheduler := taskarmy.NewScheduler(pool, executor, history)
//
// # Multi-Tenant Usage
//
// Key prefixes isolate data of different operators sharing a Redis instance:
//
//	alice := redisstore.NewHistoryStore(client, redisstore.WithHistoryStoreKeyPrefix("alice"))
//	bob := redisstore.NewHistoryStore(client, redisstore.WithHistoryStoreKeyPrefix("bob"))
//
// # Redis Key Structure
//
//   - taskarmy:history - List of history entries (flat JSON), oldest first
//   - taskarmy:history:stats - Hash of appended entry counts by network:type:status
//   - taskarmy:pair:{network} - Last swap pair of a network (JSON, optional TTL)
//
// # Cleanup
//
// The history list grows forever. Bound it periodically with Trim:
//
//	removed, err := history.Trim(ctx, 10000)
//
// All stores accept any redis.UniversalClient, so standalone, Sentinel and Cluster
// deployments work alike.
package redis
