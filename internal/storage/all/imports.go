// Package all wires every built-in storage backend into the storage factory.
//
// Importing it (even as a blank import) makes the following kinds available
// through storage.New:
//
//   - "memory"   (internal/storage/memory)
//   - "postgres" (internal/storage/postgres)
//   - "mssql"    (internal/storage/mssql)
//   - "mysql"    (internal/storage/mysql)
//   - "sqlite"   (internal/storage/sqlite)
//
// Binaries that want a subset can import the backends they need instead.
package all

import (
	_ "github.com/haohanyang/compass/internal/storage/memory"
	_ "github.com/haohanyang/compass/internal/storage/mssql"
	_ "github.com/haohanyang/compass/internal/storage/mysql"
	_ "github.com/haohanyang/compass/internal/storage/postgres"
	_ "github.com/haohanyang/compass/internal/storage/sqlite"
)
