package internal

// database/sql drivers for the watermill sql and riverqueue publishers. The
// ledger itself opens connections through gorm.
import (
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
