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

package fabrik

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fabrikhq/fabrik/config"
	"github.com/fabrikhq/fabrik/database"
	"github.com/fabrikhq/fabrik/internal/cache"
	redis_db "github.com/fabrikhq/fabrik/internal/redis-db"
)

// Fabrik represents the main struct for the Fabrik fulfillment engine.
type Fabrik struct {
	queue      *Queue
	redis      redis.UniversalClient
	datasource database.IDataSource
	cache      cache.Cache
	events     EventPublisher
}

// NewFabrik initializes a new instance of Fabrik with the provided database datasource.
// It fetches the configuration and initializes the Redis client, cache, queue, and
// the webhook event publisher.
//
// Parameters:
// - db database.IDataSource: The datasource for database operations.
//
// Returns:
// - *Fabrik: A pointer to the newly created Fabrik instance.
// - error: An error if any of the initialization steps fail.
func NewFabrik(db database.IDataSource) (*Fabrik, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	newCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}
	newQueue := NewQueue(configuration)

	newFabrik := &Fabrik{
		datasource: db,
		queue:      newQueue,
		redis:      redisClient.Client(),
		cache:      newCache,
		events:     NewWebhookPublisher(),
	}
	return newFabrik, nil
}

// Queue exposes the underlying task queue, primarily for worker wiring.
func (f *Fabrik) Queue() *Queue {
	return f.queue
}
