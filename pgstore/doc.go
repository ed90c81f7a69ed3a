// Package pgstore persists GP51 sessions, health metrics and local users in PostgreSQL.
//
// Tables:
//   - gp51_sessions: one row per GP51 username holding the latest token
//   - gp51_health_metrics: one row per ConnectionHealthMonitor check
//   - envio_users: application users mirrored from GP51 accounts
//
// All stores run over the Querier interface so *pgxpool.Pool, pgx.Tx or a test double
// can back them.
package pgstore
