package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/audit"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/bucketing"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/client"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/config"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/ekyc"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/encryption"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/hashing"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/ingest"
	redisrepo "github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/repository/redis"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/repository/scylla"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/service"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/util"
	"github.com/Malcan-Technologies/creditxpress-aws-sub005/internal/worker"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	kafkaConsumer    *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client
	s3Client         *client.S3Client

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.BucketingManager

	// Repositories
	sessionRepository    *scylla.SessionRepository
	documentRepository   *scylla.DocumentRepository
	subjectRepository    *scylla.SubjectRepository
	backofficeRepository *scylla.BackofficeRepository
	sessionCache         *redisrepo.SessionCache
	otpCache             *redisrepo.OTPCache

	// Domain
	adapters       map[string]ekyc.Adapter
	pipeline       *ingest.Pipeline
	recorder       *audit.Recorder
	indexer        *audit.Indexer
	kycService     *service.KYCService
	settingsSvc    *service.SettingsService
	otpService     *service.OTPService
	followupWorker *worker.FollowupWorker

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	factory.initializeManagers()
	factory.initializeRepositories()
	factory.initializeDomain()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("s3_enabled", cfg.S3.Enabled),
		util.Bool("kafka_available", factory.kafkaProducer != nil),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health
// checks. Kafka is optional everywhere; the rest is fatal in production only.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - follow-up jobs run inline", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		if consumer, err := client.NewKafkaConsumer(f.config, f.config.Kafka.FollowupTopic, f.config.Kafka.ConsumerGroup, util.Get()); err != nil {
			util.Warn("Kafka consumer initialization failed", util.ErrorField(err))
		} else {
			f.kafkaConsumer = consumer
		}
	}

	// Elasticsearch
	if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = esClient
		util.Info("Elasticsearch client initialized and healthy")
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
		util.Info("ClickHouse client initialized and healthy")
	}

	// KMS
	if kmsClient, err := client.NewKMSClient(ctx, f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("kms: %w", err))
	} else {
		f.kmsClient = kmsClient
	}

	// S3
	if s3Client, err := client.NewS3Client(ctx, f.config); err != nil {
		initErrors = append(initErrors, fmt.Errorf("s3: %w", err))
	} else {
		f.s3Client = s3Client
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)
	f.encryptionManager = encryption.NewManager(f.config, f.kmsClient)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}
}

func (f *Factory) initializeRepositories() {
	if f.scyllaClient != nil {
		f.sessionRepository = scylla.NewSessionRepository(f.scyllaClient, f.bucketingManager)
		f.documentRepository = scylla.NewDocumentRepository(f.scyllaClient)
		f.subjectRepository = scylla.NewSubjectRepository(f.scyllaClient, f.bucketingManager)
		f.backofficeRepository = scylla.NewBackofficeRepository(f.scyllaClient)
	}
	if f.redisClient != nil {
		f.sessionCache = redisrepo.NewSessionCache(f.redisClient)
		f.otpCache = redisrepo.NewOTPCache(f.redisClient)
	}
}

func (f *Factory) initializeDomain() {
	f.adapters = map[string]ekyc.Adapter{
		"ctos":      ekyc.NewCTOSAdapter(f.config.CTOS, f.config.KYC.VendorTimeout),
		"truestack": ekyc.NewTruestackAdapter(f.config.Truestack, f.config.KYC.VendorTimeout),
	}

	f.pipeline = ingest.NewPipeline(f.documentRepository, f.s3Client, f.encryptionManager)
	f.recorder = audit.NewRecorder(f.clickhouseClient)
	f.indexer = audit.NewIndexer(f.esClient)

	resolver := service.NewReferenceResolver(f.sessionRepository, f.config)

	var producer service.FollowupPublisher
	if f.kafkaProducer != nil {
		producer = f.kafkaProducer
	}

	f.kycService = service.NewKYCService(
		f.sessionRepository,
		f.subjectRepository,
		f.documentRepository,
		f.sessionCache,
		f.pipeline,
		resolver,
		f.recorder,
		f.indexer,
		producer,
		f.adapters,
		f.config,
	)
	f.settingsSvc = service.NewSettingsService(f.backofficeRepository)
	f.otpService = service.NewOTPService(f.otpCache, f.hasher, f.config)

	if f.kafkaConsumer != nil {
		f.followupWorker = worker.NewFollowupWorker(f.kafkaConsumer, f.kycService)
	}
}

// StartWorkers launches background consumers. No-op when Kafka is absent.
func (f *Factory) StartWorkers(ctx context.Context) {
	if f.followupWorker != nil {
		f.followupWorker.Start(ctx)
	}
}

func (f *Factory) Config() *config.Config                    { return f.config }
func (f *Factory) KYCService() *service.KYCService           { return f.kycService }
func (f *Factory) SettingsService() *service.SettingsService { return f.settingsSvc }
func (f *Factory) OTPService() *service.OTPService           { return f.otpService }
func (f *Factory) Indexer() *audit.Indexer                   { return f.indexer }

// HealthCheck reports the health of every initialized dependency.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.s3Client != nil {
		if err := f.s3Client.HealthCheck(ctx); err != nil {
			healthErrors["s3"] = err
		}
	}

	return healthErrors
}

// IsHealthy ignores Kafka: follow-up work degrades to inline execution.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.followupWorker != nil {
			f.followupWorker.Stop()
		}

		if f.kafkaConsumer != nil {
			if err := f.kafkaConsumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown complete")
		util.Sync()
	})
	return nil
}
