package journal

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"gorm.io/gorm"
)

// Config 日志配置
type Config struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Backend         Backend       `yaml:"backend" json:"backend"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	BufferSize      int           `yaml:"buffer_size" json:"buffer_size"`
	MemoryCapacity  int           `yaml:"memory_capacity" json:"memory_capacity"`
	RedisStream     string        `yaml:"redis_stream" json:"redis_stream"`
	RedisMaxLen     int64         `yaml:"redis_max_len" json:"redis_max_len"`
	MongoCollection string        `yaml:"mongo_collection" json:"mongo_collection"`
}

// Clients 由调用方建立并持有的后端连接，只需提供所选后端对应的字段
type Clients struct {
	Redis redis.UniversalClient
	DB    *gorm.DB
	Mongo *mongo.Database
}

// NewStore creates a Store for cfg.Backend.
func NewStore(cfg Config, clients Clients) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(cfg.MemoryCapacity), nil
	case BackendRedis:
		return NewRedisStore(clients.Redis, cfg.RedisStream, cfg.RedisMaxLen)
	case BackendSQL:
		return NewSQLStore(clients.DB)
	case BackendMongo:
		if clients.Mongo == nil {
			return nil, fmt.Errorf("%w: mongo database is nil", ErrInvalidInput)
		}
		coll := cfg.MongoCollection
		if coll == "" {
			coll = DefaultMongoCollection
		}
		return NewMongoStore(clients.Mongo.Collection(coll))
	default:
		return nil, fmt.Errorf("unsupported journal backend: %s", cfg.Backend)
	}
}
