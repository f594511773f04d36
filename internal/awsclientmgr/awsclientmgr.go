package awsclientmgr

import (
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/accessanalyzer"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/outofoffice3/ash/pkg/logger"
	"github.com/pkg/errors"
)

type AWSClientMgr interface {
	// set aws sdk client
	SetSDKClient(accountId string, name AWSServiceName, client interface{}) error
	// get aws sdk client, building it on first use for the default account
	GetSDKClient(accountId string, name AWSServiceName) (interface{}, bool)
	// return account ids with at least one client
	GetAccountIds() []string
	// aws config the clients are built from
	Config() aws.Config
}

type _AWSClientMgr struct {
	cfg     aws.Config
	account string
	log     *logger.Logger

	mu      sync.Mutex
	clients map[AWSServiceName]map[string]interface{}
}

type AWSClientMgrInitConfig struct {
	Ctx       context.Context
	Region    string
	Profile   string
	RoleArn   string
	AccountId string
	// Cfg skips credential loading when set
	Cfg *aws.Config
	Log *logger.Logger
}

// Init loads the aws config once and returns a manager that builds clients lazily.
func Init(pkgConfig AWSClientMgrInitConfig) (AWSClientMgr, error) {
	log := pkgConfig.Log
	if log == nil {
		log = logger.Default()
	}
	ctx := pkgConfig.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg aws.Config
	if pkgConfig.Cfg != nil {
		cfg = pkgConfig.Cfg.Copy()
	} else {
		opts := []func(*config.LoadOptions) error{
			config.WithRetryMode(aws.RetryModeStandard),
			config.WithRetryMaxAttempts(3),
		}
		if pkgConfig.Region != "" {
			opts = append(opts, config.WithRegion(pkgConfig.Region))
		}
		if pkgConfig.Profile != "" {
			opts = append(opts, config.WithSharedConfigProfile(pkgConfig.Profile))
		}
		loaded, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, errors.Wrap(err, "loading aws config")
		}
		cfg = loaded
	}

	if pkgConfig.RoleArn != "" {
		log.Debugf("assuming role [%s]", pkgConfig.RoleArn)
		stsClient := sts.NewFromConfig(cfg)
		cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, pkgConfig.RoleArn))
	}

	mgr := NewAWSClientMgr(cfg, pkgConfig.AccountId, log)
	log.Debugf("aws client manager initialised for region [%s]", cfg.Region)
	return mgr, nil
}

func NewAWSClientMgr(cfg aws.Config, accountId string, log *logger.Logger) AWSClientMgr {
	if accountId == "" {
		accountId = DefaultAccount
	}
	if log == nil {
		log = logger.Default()
	}
	return &_AWSClientMgr{
		cfg:     cfg,
		account: accountId,
		log:     log,
		clients: map[AWSServiceName]map[string]interface{}{},
	}
}

func (a *_AWSClientMgr) Config() aws.Config {
	return a.cfg.Copy()
}

// set aws sdk client
func (a *_AWSClientMgr) SetSDKClient(accountId string, serviceName AWSServiceName, client interface{}) error {
	if client == nil {
		return errors.New("client is nil")
	}
	if !knownService(serviceName) {
		return errors.Errorf("invalid service name [%s]", serviceName)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set(accountId, serviceName, client)
	return nil
}

func (a *_AWSClientMgr) set(accountId string, serviceName AWSServiceName, client interface{}) {
	if a.clients[serviceName] == nil {
		a.clients[serviceName] = map[string]interface{}{}
	}
	a.clients[serviceName][accountId] = client
	a.log.Tracef("[%s] client set for account id [%s]", serviceName, accountId)
}

// get aws sdk client
func (a *_AWSClientMgr) GetSDKClient(accountId string, serviceName AWSServiceName) (interface{}, bool) {
	if accountId == "" {
		accountId = a.account
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if client, ok := a.clients[serviceName][accountId]; ok {
		return client, true
	}
	if accountId != a.account {
		return nil, false
	}
	client := a.build(serviceName)
	if client == nil {
		return nil, false
	}
	a.set(accountId, serviceName, client)
	return client, true
}

func (a *_AWSClientMgr) build(serviceName AWSServiceName) interface{} {
	switch serviceName {
	case IAM:
		return iam.NewFromConfig(a.cfg)
	case AA:
		return accessanalyzer.NewFromConfig(a.cfg)
	case S3:
		return s3.NewFromConfig(a.cfg)
	case CONFIG:
		return configservice.NewFromConfig(a.cfg)
	case LOGS:
		return cloudwatchlogs.NewFromConfig(a.cfg)
	}
	return nil
}

func knownService(name AWSServiceName) bool {
	switch name {
	case IAM, AA, S3, CONFIG, LOGS:
		return true
	}
	return false
}

// get account ids
func (a *_AWSClientMgr) GetAccountIds() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := map[string]bool{}
	for _, byAccount := range a.clients {
		for id := range byAccount {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// S3Client returns the S3 client for accountId.
func S3Client(m AWSClientMgr, accountId string) (S3API, error) {
	c, ok := m.GetSDKClient(accountId, S3)
	if !ok {
		return nil, errors.New("failed to get S3 client")
	}
	api, ok := c.(S3API)
	if !ok {
		return nil, errors.Errorf("S3 client has unexpected type %T", c)
	}
	return api, nil
}

func LogsClient(m AWSClientMgr, accountId string) (LogsAPI, error) {
	c, ok := m.GetSDKClient(accountId, LOGS)
	if !ok {
		return nil, errors.New("failed to get CloudWatch Logs client")
	}
	api, ok := c.(LogsAPI)
	if !ok {
		return nil, errors.Errorf("CloudWatch Logs client has unexpected type %T", c)
	}
	return api, nil
}

func ConfigClient(m AWSClientMgr, accountId string) (ConfigAPI, error) {
	c, ok := m.GetSDKClient(accountId, CONFIG)
	if !ok {
		return nil, errors.New("failed to get AWS Config client")
	}
	api, ok := c.(ConfigAPI)
	if !ok {
		return nil, errors.Errorf("AWS Config client has unexpected type %T", c)
	}
	return api, nil
}

func AccessAnalyzerClient(m AWSClientMgr, accountId string) (AccessAnalyzerAPI, error) {
	c, ok := m.GetSDKClient(accountId, AA)
	if !ok {
		return nil, errors.New("failed to get Access Analyzer client")
	}
	api, ok := c.(AccessAnalyzerAPI)
	if !ok {
		return nil, errors.Errorf("Access Analyzer client has unexpected type %T", c)
	}
	return api, nil
}

func IAMClient(m AWSClientMgr, accountId string) (IAMAPI, error) {
	c, ok := m.GetSDKClient(accountId, IAM)
	if !ok {
		return nil, errors.New("failed to get IAM client")
	}
	api, ok := c.(IAMAPI)
	if !ok {
		return nil, errors.Errorf("IAM client has unexpected type %T", c)
	}
	return api, nil
}

// Provider returns the client manager, loading credentials on first use.
type Provider func(ctx context.Context) (AWSClientMgr, error)

// Lazy defers Init until the first call. Every call returns the same manager.
func Lazy(pkgConfig AWSClientMgrInitConfig) Provider {
	var (
		once sync.Once
		mgr  AWSClientMgr
		err  error
	)
	return func(ctx context.Context) (AWSClientMgr, error) {
		once.Do(func() {
			if pkgConfig.Ctx == nil {
				pkgConfig.Ctx = ctx
			}
			mgr, err = Init(pkgConfig)
		})
		return mgr, err
	}
}
