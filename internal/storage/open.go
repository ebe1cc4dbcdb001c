package storage

import "amt/internal/domain"

// Open returns the run history for a RUNLOG_DRIVER value.
func Open(driver, dsn string) (domain.RunLogStore, error) {
	switch driver {
	case "", string(DialectSQLite):
		db, err := OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return NewRunLogStore(db), nil
	case string(DialectMySQL), string(DialectPostgres):
		db, err := OpenSQL(Dialect(driver), dsn)
		if err != nil {
			return nil, err
		}
		return NewRunLogStore(db), nil
	case "mongodb", "mongo":
		return OpenMongo(dsn)
	case "none":
		return Discard{}, nil
	default:
		return nil, domain.Errorf(domain.KindConfig, "RUNLOG_DRIVER", "unsupported run log driver %q", driver)
	}
}
