package core

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/notifyrelay/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// RedisConnectParams Redis connection parameter
type RedisConnectParams struct {
	// URL connect to Redis with URL, e.g. redis://localhost:6379/0
	URL string `validate:"required,uri"`
	// PoolSize max number of socket connections. 0 uses the library default.
	PoolSize int
	// DialTimeout max time to wait for a new connection
	DialTimeout time.Duration
}

// RedisClient Redis client shared by all Redis subscriber handles
type RedisClient struct {
	common.Component
	client *redis.Client
}

// Redis fetch the Redis client
func (c *RedisClient) Redis() *redis.Client {
	return c.client
}

// Ping verify the Redis server is reachable
func (c *RedisClient) Ping(ctxt context.Context) error {
	return c.client.Ping(ctxt).Err()
}

// Close close the Redis client
func (c *RedisClient) Close() error {
	log.WithFields(c.LogTags).Infof("Close Redis client")
	return c.client.Close()
}

// GetRedisClient define a new Redis client
//
// Connections are opened lazily. Only a malformed URL fails this call.
func GetRedisClient(param RedisConnectParams) (*RedisClient, error) {
	opts, err := redis.ParseURL(param.URL)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"module": "core", "component": "redis-backend",
		}).Errorf("Unable to parse Redis URL")
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if param.PoolSize > 0 {
		opts.PoolSize = param.PoolSize
	}
	if param.DialTimeout > 0 {
		opts.DialTimeout = param.DialTimeout
	}
	logTags := log.Fields{
		"module":    "core",
		"component": "redis-backend",
		"instance":  opts.Addr,
	}
	log.WithFields(logTags).Info("Created Redis client")
	return &RedisClient{
		Component: common.Component{LogTags: logTags},
		client:    redis.NewClient(opts),
	}, nil
}
