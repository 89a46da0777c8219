package env

import (
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const prefix = "pescan"

type Specification struct {
	Version int
	Env     string `default:"production"`

	ServerPort                 string        `default:":8080" split_words:"true"`
	ServerReadTimeoutInSecond  time.Duration `default:"10s" split_words:"true"`
	ServerWriteTimeoutInSecond time.Duration `default:"30s" split_words:"true"`
	ServerMaxHeaderBytes       int           `default:"1048576" split_words:"true"`

	RedisEnabled      bool          `default:"true" split_words:"true"`
	RedisAddr         string        `default:"localhost:6379" split_words:"true"`
	RedisPassword     string        `default:"" split_words:"true"`
	RedisDb           int           `default:"0" split_words:"true"`
	RedisPoolSize     int           `default:"100" split_words:"true"`
	RedisDialTimeout  time.Duration `default:"2s" split_words:"true"`
	RedisReadTimeout  time.Duration `default:"2s" split_words:"true"`
	RedisWriteTimeout time.Duration `default:"2s" split_words:"true"`

	ConfigFile      string `default:"./config.yaml" split_words:"true"`
	UpstreamBaseUrl string `default:"https://query1.finance.yahoo.com" split_words:"true"`
	AdminToken      string `default:"" split_words:"true"`
}

var (
	once        sync.Once
	envInstance Specification
)

// Process reads the environment into a fresh Specification without touching the singleton.
func Process() (*Specification, error) {
	var s Specification
	if err := envconfig.Process(prefix, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func GetEnv() *Specification {
	once.Do(func() {
		slog.Info("initializing env...")
		err := envconfig.Process(prefix, &envInstance)
		if err != nil {
			log.Fatal(err.Error())
		}
	})

	return &envInstance
}
