package factory

import (
	"context"
	"fmt"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/util"
)

// Factory builds and caches the infrastructure clients. Getters are lazy
// so a disabled backend is never dialed.
type Factory struct {
	config *config.Config

	mu         sync.Mutex
	mysql      *client.MySQLClient
	redis      *client.RedisClient
	kafka      *client.KafkaClient
	clickhouse *client.ClickhouseClient
	encryption *encryption.Manager
	buckets    *bucketing.Manager
}

func New(cfg *config.Config) *Factory {
	return &Factory{config: cfg}
}

func (f *Factory) MySQL() (*client.MySQLClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mysql == nil {
		c, err := client.NewMySQLClient(f.config)
		if err != nil {
			return nil, err
		}
		f.mysql = c
	}
	return f.mysql, nil
}

func (f *Factory) Redis() (*client.RedisClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redis == nil {
		c, err := client.NewRedisClient(f.config)
		if err != nil {
			return nil, err
		}
		f.redis = c
	}
	return f.redis, nil
}

func (f *Factory) Kafka() (*client.KafkaClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kafka == nil {
		c, err := client.NewKafkaClient(f.config)
		if err != nil {
			return nil, err
		}
		f.kafka = c
	}
	return f.kafka, nil
}

func (f *Factory) Clickhouse() (*client.ClickhouseClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clickhouse == nil {
		c, err := client.NewClickhouseClient(f.config)
		if err != nil {
			return nil, err
		}
		f.clickhouse = c
	}
	return f.clickhouse, nil
}

// Encryption returns the envelope-encryption manager for TOTP secrets.
// The KMS client is only constructed when KMS is enabled.
func (f *Factory) Encryption() (*encryption.Manager, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.encryption == nil {
		var kmsClient *kms.Client
		if f.config.KMS.Enabled {
			awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
				awsconfig.WithRegion(f.config.KMS.Region))
			if err != nil {
				return nil, fmt.Errorf("failed to load AWS config: %w", err)
			}
			kmsClient = kms.NewFromConfig(awsCfg)
		}
		f.encryption = encryption.NewManager(f.config, kmsClient)
	}
	return f.encryption, nil
}

func (f *Factory) Buckets() *bucketing.Manager {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buckets == nil {
		f.buckets = bucketing.NewManager(256)
	}
	return f.buckets
}

// HealthCheck pings every client that has been constructed.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	f.mu.Lock()
	defer f.mu.Unlock()

	results := make(map[string]error)
	if f.mysql != nil {
		results["mysql"] = f.mysql.HealthCheck(ctx)
	}
	if f.redis != nil {
		results["redis"] = f.redis.HealthCheck(ctx)
	}
	if f.kafka != nil {
		results["kafka"] = f.kafka.HealthCheck(ctx)
	}
	if f.clickhouse != nil {
		results["clickhouse"] = f.clickhouse.HealthCheck(ctx)
	}
	return results
}

// Close shuts down every constructed client.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.kafka != nil {
		if err := f.kafka.Close(); err != nil {
			util.Warn("Failed to close kafka client", util.ErrorField(err))
		}
	}
	if f.clickhouse != nil {
		if err := f.clickhouse.Close(); err != nil {
			util.Warn("Failed to close clickhouse client", util.ErrorField(err))
		}
	}
	if f.redis != nil {
		if err := f.redis.Close(); err != nil {
			util.Warn("Failed to close redis client", util.ErrorField(err))
		}
	}
	if f.mysql != nil {
		if err := f.mysql.Close(); err != nil {
			util.Warn("Failed to close mysql client", util.ErrorField(err))
		}
	}
}
