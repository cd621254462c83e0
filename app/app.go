package app

import (
	"context"
	stderr "errors"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/config"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/cache"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/dip"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/kube"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/logstore"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/metrics"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/opensearch"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/websearch"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/module/api"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/module/collect"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/module/diagnosis"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/idgen"
)

// App 负责模块装配：基础设施客户端、证据采集、诊断流水线与 HTTP 入口。
type App struct {
	API       *api.Server
	Diagnosis *diagnosis.Service

	redisCache cache.Cache
}

func New(cfgManager *config.ConfigManager) (*App, error) {
	cfg := cfgManager.GetConfig()

	osClient, err := opensearch.NewClient(opensearch.OpenSearchConfig{
		Hosts:              []string{fmt.Sprintf("%s:%d", cfg.DepServices.OpenSearch.Host, cfg.DepServices.OpenSearch.Port)},
		Username:           cfg.DepServices.OpenSearch.User,
		Password:           cfg.DepServices.OpenSearch.Password,
		Timeout:            time.Second * 10,
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "初始化 OpenSearch 失败")
	}

	repoFactory := opensearch.NewRepositoryFactory(osClient)

	redisCache, err := cache.NewRedisCache(redisConfig(cfg.DepServices.Redis))
	if err != nil {
		return nil, errors.Wrap(err, "初始化 Redis 失败")
	}
	runLock := cache.NewRunLock(redisCache)

	// K8s 采集端
	clientset, err := kube.NewClientset(cfg.Kube)
	if err != nil {
		return nil, errors.Wrap(err, "初始化 K8s 采集端失败")
	}
	resourceCollector := kube.NewCollector(clientset, cfg.Kube.Timeout)
	// 启动时探测 API Server 连通性。失败只告警，采集侧按空证据降级
	if err := resourceCollector.Available(context.Background()); err != nil {
		log.Warnf("K8s API Server 连通性探测失败: %v", err)
	}

	// 证据数据源：日志库、指标、外部检索
	logStore := logstore.NewStore(osClient, "")
	metricSource := metrics.NewClient(cfg.Metrics)
	webSearcher := websearch.NewClient(cfg.WebSearch)

	evidenceCollector := collect.New(
		resourceCollector,
		logStore,
		metricSource,
		func() config.EvidenceConfig { return cfgManager.GetConfig().AppConfig.Evidence },
	)

	// 初始化 DIP 客户端（动态获取 Authorization）
	dipClient := dip.NewClient(dip.Config{
		Host:               cfg.Platform.BaseURL,
		Timeout:            cfg.Platform.Timeout,
		InsecureSkipVerify: cfg.Platform.InsecureSkipVerify,
	}, func() string { return cfgManager.GetConfig().AppConfig.Credentials.Authorization })

	reasoningAgent := dip.NewReasoningAgent(dipClient, func() dip.AgentCallConfig {
		c := cfgManager.GetConfig()
		return dip.AgentCallConfig{
			AppID:         c.Platform.Agents.Reasoning.AppID,
			AgentKey:      c.Platform.Agents.Reasoning.AgentKey,
			Authorization: c.AppConfig.Credentials.Authorization,
		}
	})
	summaryAgent := dip.NewSummaryAgent(dipClient, func() dip.AgentCallConfig {
		c := cfgManager.GetConfig()
		return dip.AgentCallConfig{
			AppID:         c.Platform.Agents.Summary.AppID,
			AgentKey:      c.Platform.Agents.Summary.AgentKey,
			Authorization: c.AppConfig.Credentials.Authorization,
		}
	})
	embeddingAgent := dip.NewEmbeddingAgent(dipClient, func() dip.AgentCallConfig {
		c := cfgManager.GetConfig()
		return dip.AgentCallConfig{
			AppID:         c.Platform.Agents.Embedding.AppID,
			AgentKey:      c.Platform.Agents.Embedding.AgentKey,
			Authorization: c.AppConfig.Credentials.Authorization,
		}
	})

	// 模块装配（使用 Kafka 进行消息传递）
	diagSvc, err := diagnosis.New(
		cfgManager.GetConfig,
		repoFactory,
		evidenceCollector,
		reasoningAgent,
		summaryAgent,
		embeddingAgent,
		webSearcher,
		runLock,
		idgen.New(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "初始化 DiagnosisService 失败")
	}

	apiServer, err := api.New(cfg, repoFactory, diagSvc)
	if err != nil {
		return nil, errors.Wrap(err, "初始化 Api 失败")
	}

	return &App{
		API:        apiServer,
		Diagnosis:  diagSvc,
		redisCache: redisCache,
	}, nil
}

// redisConfig 将依赖服务配置映射到缓存客户端配置，sentinel 模式优先。
func redisConfig(dep config.DepRedisConfig) cache.RedisConfig {
	info := dep.ConnectInfo
	cfg := cache.RedisConfig{
		Username: info.Username,
		Password: info.Password,
	}
	if dep.ConnectType == "sentinel" {
		cfg.MasterName = info.MasterGroupName
		cfg.SentinelAddrs = []string{fmt.Sprintf("%s:%d", info.SentinelHost, info.SentinelPort)}
		cfg.SentinelUsername = info.SentinelUsername
		cfg.SentinelPassword = info.SentinelPassword
	} else {
		cfg.Host = fmt.Sprintf("%s:%d", info.SentinelHost, info.SentinelPort)
	}
	return cfg
}

func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context 不能为空")
	}

	eg, egCtx := errgroup.WithContext(ctx)

	if a.Diagnosis != nil {
		eg.Go(func() error {
			if err := a.Diagnosis.Start(egCtx); err != nil && !errors.Is(err, context.Canceled) {
				return errors.Wrap(err, "diagnosis 启动失败")
			}
			return nil
		})
	}

	if a.API != nil {
		eg.Go(func() error {
			if err := a.API.Start(egCtx); err != nil && !errors.Is(err, context.Canceled) {
				return errors.Wrap(err, "api 启动失败")
			}
			return nil
		})
	}

	log.Info("应用已启动，等待退出信号")
	return eg.Wait()
}

// Close 统一关闭持有的连接资源，需由上层在取消上下文后调用。
func (a *App) Close(ctx context.Context) error {
	var errs []error

	if a.API != nil {
		if err := a.API.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, errors.Wrap(err, "stop api"))
		}
	}
	if a.Diagnosis != nil {
		if err := a.Diagnosis.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close diagnosis"))
		}
	}
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "close redis"))
		}
	}

	return stderr.Join(errs...)
}
