// Copyright (c) AgentHive Authors.
// Licensed under the MIT License.

/*
Package database opens and manages the archive database connection.

Open selects a GORM dialector from the configured driver (postgres,
mysql or sqlite) and builds the DSN from config.DatabaseConfig. Pool
wraps the opened handle with bounded connection settings, a background
ping loop that feeds the connection gauges, and transaction helpers.

# Core types

  - Pool: connection pool manager with Ping, Stats, Close and the
    WithTransaction / WithTransactionRetry helpers.
  - PoolStats: point-in-time pool counters for the ops endpoints.

WithTransactionRetry retries transient transaction failures (deadlock,
serialization failure, dropped connections) with exponential backoff.
Instrument registers GORM callbacks that time every query and feed the
query-latency histogram.
*/
package database
