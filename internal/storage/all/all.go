// Package all registers every shard backend.
package all

import (
	_ "memcload/internal/storage/memcache"
	_ "memcload/internal/storage/mssql"
	_ "memcload/internal/storage/postgres"
	_ "memcload/internal/storage/redis"
	_ "memcload/internal/storage/sqlite"
)
