// Package syncache is a client-side data synchronization engine: a TTL cache
// with stale-while-revalidate reads, per-key request deduplication and an
// optimistic mutation layer with timed rollback.
//
// Components:
//   - Store: process-wide keyed store of framed, time-limited entries on top of a
//     byte Provider (in-memory, Ristretto, BigCache, Redis) with per-key
//     generations (GenStore) guarding commits against invalidation.
//   - Coordinator / Query[V]: per-key consumers. Reads return cached data
//     without waiting, revalidate in the background past half of the TTL, attach
//     to an in-flight request instead of duplicating it, retry with exponential
//     backoff, and drop results of cancelled or superseded requests.
//   - Optimistic[E]: overlays pending entity changes on a Query's collection,
//     confirms them with the server, and rolls them back after a grace period
//     unless the caller retries.
//
// Keys:
//
//	entry:<ns>:<key>  - cache entries (provider keyspace)
//
// Typical wiring:
//
//	store, _ := syncache.NewStore(syncache.StoreOptions{Namespace: "app"})
//	coord := syncache.NewCoordinator(store, syncache.CoordinatorOptions{})
//	tasks := syncache.NewQuery(coord, "tasks", fetchTasks, syncache.QueryOptions[[]Task]{TTL: time.Minute})
//	edits, _ := syncache.NewOptimistic(tasks, syncache.OptimisticOptions[Task]{ID: taskID, Mutate: saveTask})
//	view := edits.Apply("task-1", Task{ID: "task-1", Status: "DONE"})
package syncache
