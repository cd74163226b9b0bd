// Package database owns the postgres connection for the review pipeline.
package database

import (
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/veritashealth/crp-app/conf"
	"github.com/veritashealth/crp-app/crp/utils"
)

// Variable substitution to support testing.
var LogFatal = log.Fatal

type Config struct {
	DatabaseURL        string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeMin int
	ConnMaxIdleTimeMin int
}

func LoadConfig() Config {
	return Config{
		DatabaseURL:        conf.GetEnv("DATABASE_URL"),
		MaxOpenConns:       utils.GetEnvInt("CRP_DB_MAX_OPEN_CONNS", 60),
		MaxIdleConns:       utils.GetEnvInt("CRP_DB_MAX_IDLE_CONNS", 40),
		ConnMaxLifetimeMin: utils.GetEnvInt("CRP_DB_CONN_MAX_LIFETIME_MIN", 5),
		ConnMaxIdleTimeMin: utils.GetEnvInt("CRP_DB_CONN_MAX_IDLE_TIME", 30),
	}
}

func GetDbConnection() *sql.DB {
	cfg := LoadConfig()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		LogFatal(err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMin) * time.Minute)
	db.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMin) * time.Minute)

	if pingErr := db.Ping(); pingErr != nil {
		LogFatal(pingErr)
	}
	return db
}
