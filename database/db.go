package database

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"

	"github.com/lordkingpriest/problemsolver/config"
	"github.com/lordkingpriest/problemsolver/internal/cache"
)

// Package-level singleton so every component shares one connection pool.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		newCache, errCache := cache.NewCache()
		if errCache != nil {
			log.Printf("cache initialization error, running without cache: %v", errCache)
			newCache = nil
		}
		instance = &Datasource{Conn: con, Cache: newCache}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// Ping verifies the underlying connection pool is still reachable.
func (d Datasource) Ping(ctx context.Context) error {
	return d.Conn.PingContext(ctx)
}

// driverForDNS picks the SQL driver from the connection string. Postgres is
// the default; mysql:// selects the MySQL driver.
func driverForDNS(dns string) (string, string) {
	if strings.HasPrefix(dns, "mysql://") {
		return "mysql", strings.TrimPrefix(dns, "mysql://")
	}
	return "postgres", dns
}

func ConnectDB(dns string) (*sql.DB, error) {
	driver, dns := driverForDNS(dns)
	db, err := sql.Open(driver, dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	return db, nil
}
