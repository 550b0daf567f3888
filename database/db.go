/*
Copyright 2025 Fabrik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/fabrikhq/fabrik/config"
	"github.com/fabrikhq/fabrik/internal/cache"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
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
		instance = &Datasource{Conn: con, Cache: nil}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, errors.Wrap(err, "error opening database connection")
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, errors.Wrap(err, "error connecting to database")
	}
	err = createSchema(db)
	if err != nil {
		return nil, err
	}
	err = createOrderTable(db)
	if err != nil {
		return nil, err
	}
	err = createPipelineTable(db)
	if err != nil {
		return nil, err
	}
	err = createTransitionTable(db)
	if err != nil {
		return nil, err
	}
	err = createErrorTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS fabrik`)
	return err
}

// createPipelineTable creates a PostgreSQL table for the Pipeline struct
func createPipelineTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fabrik.pipelines (
			id SERIAL PRIMARY KEY,
			pipeline_id TEXT NOT NULL UNIQUE,
			order_id TEXT NOT NULL,
			brand_id TEXT NOT NULL,
			stages JSONB NOT NULL,
			current_stage TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			meta_data JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			failed_at TIMESTAMP,
			cancelled_at TIMESTAMP,
			estimated_completion TIMESTAMP,
			UNIQUE (order_id, brand_id)
		)
	`)
	log.Println(err)
	return err
}

// createTransitionTable creates a PostgreSQL table for the Transition struct
func createTransitionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fabrik.pipeline_transitions (
			id SERIAL PRIMARY KEY,
			transition_id TEXT NOT NULL UNIQUE,
			pipeline_id TEXT NOT NULL REFERENCES fabrik.pipelines(pipeline_id),
			from_stage TEXT,
			to_stage TEXT NOT NULL,
			reason TEXT,
			retry BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}

// createErrorTable creates a PostgreSQL table for the PipelineError struct
func createErrorTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fabrik.pipeline_errors (
			id SERIAL PRIMARY KEY,
			error_id TEXT NOT NULL UNIQUE,
			pipeline_id TEXT NOT NULL REFERENCES fabrik.pipelines(pipeline_id),
			stage TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMP
		)
	`)
	log.Println(err)
	return err
}

// createOrderTable creates a PostgreSQL table for the Order struct
func createOrderTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fabrik.orders (
			id SERIAL PRIMARY KEY,
			order_id TEXT NOT NULL UNIQUE,
			brand_id TEXT NOT NULL,
			status TEXT NOT NULL,
			total NUMERIC(20, 4) NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			items JSONB,
			meta_data JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	log.Println(err)
	return err
}
