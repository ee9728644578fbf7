// Package collector defines the core types shared by the collection and
// reconciliation subsystems: tasks and shards, attempt outcomes, shard log
// entries, run summaries, and the capability interfaces workers drive.
package collector
