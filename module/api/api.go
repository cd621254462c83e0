package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/config"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/core"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/domain"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/kafka"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/infra/log"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/module/ingest"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/idgen"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/slice"
	"devops.aishu.cn/AISHUDevOps/AnyRobot/_git/itops-cluster-diagnosis/utils/timex"
)

// 诊断对象允许的资源类型。
var supportedKinds = map[string]bool{
	"Pod":         true,
	"Deployment":  true,
	"StatefulSet": true,
	"DaemonSet":   true,
	"Node":        true,
	"Service":     true,
}

// Server 提供 HTTP 入口：诊断建档、告警接入、查询与人工反馈。
type Server struct {
	cfg             *config.Config
	kafkaProducer   core.KafkaProducer
	repoFactory     core.RepositoryFactory
	feedbackHandler core.DiagnosisHandler
	idGen           *idgen.Generator
	router          *gin.Engine
	httpServer      *http.Server
}

func New(cfg *config.Config, repoFactory core.RepositoryFactory, feedbackHandler core.DiagnosisHandler) (*Server, error) {
	kafkaProducer, err := kafka.NewProducer(kafka.Config{
		Brokers: []string{fmt.Sprintf("%s:%d", cfg.DepServices.MQ.MQHost, cfg.DepServices.MQ.MQPort)},
		SASL: &kafka.SASLConfig{
			Enabled:  true,
			Username: cfg.DepServices.MQ.Auth.Username,
			Password: cfg.DepServices.MQ.Auth.Password,
		},
		Topic: cfg.Kafka.Triggers.Topic,
	})
	if err != nil {
		return nil, errors.Wrap(err, "初始化 Kafka Producer 失败")
	}

	return &Server{
		cfg:             cfg,
		kafkaProducer:   kafkaProducer,
		repoFactory:     repoFactory,
		feedbackHandler: feedbackHandler,
		idGen:           idgen.New(),
	}, nil
}

// buildRouter 注册 /v1 接口。
func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	// 第一层：/api/itops-cluster-diagnosis
	api := engine.Group("/api/itops-cluster-diagnosis")

	// 第二层：v1 版本
	v1 := api.Group("/v1")
	{
		v1.POST("/diagnosis/run", s.runDiagnosis)
		v1.POST("/alerts/webhook", s.postWebhook)
		v1.GET("/diagnosis/info/:record_ids", s.queryRecords)
		v1.GET("/diagnosis/list", s.listRecords)
		v1.GET("/diagnosis/report/:record_id", s.diagnosisReport)
		v1.POST("/diagnosis/feedback/:record_id", s.postFeedback)
	}
	return engine
}

// Start 启动 HTTP Server，阻塞到 ctx 结束。
func (s *Server) Start(ctx context.Context) error {
	engine := s.buildRouter()

	addr := fmt.Sprintf(":%d", s.cfg.API.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	s.router = engine
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Stop 优雅关闭 HTTP 服务。
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type runDiagnosisRequest struct {
	ClusterID string `json:"cluster_id" binding:"required"`
	Kind      string `json:"kind" binding:"required"`
	Namespace string `json:"namespace"`
	Name      string `json:"name" binding:"required"`
	Symptom   string `json:"symptom"`
	Severity  int    `json:"severity"`
}

// runDiagnosis 手动建档并投递诊断触发。
// 同一对象已有未完结的诊断时直接复用，不重复建档。
func (s *Server) runDiagnosis(c *gin.Context) {
	var req runDiagnosisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("请求参数验证失败: %v", err)})
		return
	}
	if !supportedKinds[req.Kind] {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("不支持的资源类型: %s", req.Kind)})
		return
	}
	if req.Kind != "Node" && req.Namespace == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "namespace 不能为空"})
		return
	}

	severity := domain.Severity(req.Severity)
	if severity < domain.SeverityCritical || severity > domain.SeverityInfo {
		severity = domain.SeverityMajor
	}
	symptom := req.Symptom
	if symptom == "" {
		symptom = "手动触发诊断"
	}

	target := domain.DiagnosisTarget{
		ClusterID: req.ClusterID,
		Kind:      req.Kind,
		Namespace: req.Namespace,
		Name:      req.Name,
	}
	recordID, reused, err := s.openRecord(c.Request.Context(), target, symptom, severity, domain.SourceAPI)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusAccepted
	if reused {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"record_id": recordID, "reused": reused})
}

// postWebhook 接收告警 webhook，逐条标准化后建档。
// source 查询参数指定告警来源，缺省为 alertmanager。
func (s *Server) postWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 10<<20) // 限制 10MB
	defer func() {
		if c.Request.Body != nil {
			_ = c.Request.Body.Close()
		}
	}()

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取请求失败"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体不能为空"})
		return
	}

	log.Debugf("收到Webhook发送数据，内容:%s", string(body))

	standardizer, err := ingest.Build(c.Query("source"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	alerts, err := standardizer.Standardize(c.Request.Context(), body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recordIDs := make([]uint64, 0, len(alerts))
	for _, alert := range alerts {
		recordID, _, err := s.openRecord(c.Request.Context(), alert.Target, alert.Symptom, alert.Severity, domain.SourceWebhook)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		recordIDs = append(recordIDs, recordID)
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "record_ids": recordIDs})
}

// openRecord 建档并投递触发。已有未完结记录时复用其 ID，只补投一次触发。
func (s *Server) openRecord(ctx context.Context, target domain.DiagnosisTarget, symptom string, severity domain.Severity, source string) (uint64, bool, error) {
	existing, err := s.repoFactory.Record().FindOpenByTarget(ctx, target)
	if err != nil {
		return 0, false, errors.Wrap(err, "查询未完结诊断失败")
	}
	if existing != nil {
		log.Infof("对象 %s 已有未完结诊断 record_id=%d，复用", target.String(), existing.RecordID)
		return existing.RecordID, true, nil
	}

	record := domain.DiagnosisRecord{
		RecordID:         s.idGen.NextID(),
		ClusterID:        target.ClusterID,
		TargetKind:       target.Kind,
		TargetNamespace:  target.Namespace,
		TargetName:       target.Name,
		Symptom:          symptom,
		Severity:         severity,
		Source:           source,
		RecordStatus:     domain.RecordStatusPending,
		RecordCreateTime: timex.NowLocalTime(),
		RecordUpdateTime: timex.NowLocalTime(),
	}
	if err := s.repoFactory.Record().Upsert(ctx, record); err != nil {
		return 0, false, errors.Wrap(err, "诊断记录建档失败")
	}

	trigger := utils.JsonEncode(domain.DiagnosisTrigger{RecordID: record.RecordID})
	if err := s.kafkaProducer.PublishTrigger(ctx, cast.ToString(record.RecordID), []byte(trigger)); err != nil {
		return 0, false, errors.Wrap(err, "写入 Kafka 失败")
	}
	return record.RecordID, false, nil
}

func (s *Server) queryRecords(c *gin.Context) {
	recordIDsParam := c.Param("record_ids")
	if len(recordIDsParam) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "record_ids 参数必填"})
		return
	}

	recordIDs := slice.SplitToUint64s(recordIDsParam)
	if len(recordIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "record_ids 参数格式错误"})
		return
	}

	items, err := s.repoFactory.Record().QueryByIDs(c.Request.Context(), recordIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) listRecords(c *gin.Context) {
	from := cast.ToInt(c.Query("from"))
	size := cast.ToInt(c.Query("size"))
	if size <= 0 || size > 100 {
		size = 20
	}

	items, total, err := s.repoFactory.Record().List(
		c.Request.Context(),
		c.Query("cluster_id"),
		domain.RecordStatus(c.Query("status")),
		from, size,
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

type feedbackRequest struct {
	FeedbackType string `json:"feedback_type" binding:"required,oneof=confirmed continue_investigation custom"`
	Comment      string `json:"comment"`
	Operator     string `json:"operator" binding:"required"`
}

// postFeedback 接收人工反馈：采纳结论或要求继续排查。
func (s *Server) postFeedback(c *gin.Context) {
	if s.feedbackHandler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "diagnosis handler 未配置"})
		return
	}

	recordID := cast.ToUint64(c.Param("record_id"))
	if recordID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "record_id 必须是有效的数字"})
		return
	}

	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("请求参数验证失败: %v", err)})
		return
	}

	records, err := s.repoFactory.Record().QueryByIDs(c.Request.Context(), []uint64{recordID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("查询诊断记录失败: %v", err)})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "诊断记录不存在"})
		return
	}
	if !records[0].RecordStatus.Terminal() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("记录状态为 %s，暂不接受反馈", records[0].RecordStatus)})
		return
	}

	fb := domain.FeedbackRequest{
		RecordID: recordID,
		Type:     domain.FeedbackType(req.FeedbackType),
		Comment:  req.Comment,
		Operator: req.Operator,
	}
	if err := s.feedbackHandler.HandleFeedback(c.Request.Context(), fb); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"record_id":     recordID,
		"feedback_type": req.FeedbackType,
		"status":        "feedback_received",
	})
}

// diagnosisReport 查看诊断全貌：记录、迭代轨迹与记忆片段。
// GET /api/itops-cluster-diagnosis/v1/diagnosis/report/:record_id
func (s *Server) diagnosisReport(c *gin.Context) {
	recordID := cast.ToUint64(c.Param("record_id"))
	if recordID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "record_id 必须是有效的数字"})
		return
	}

	// 1. 查询记录
	records, err := s.repoFactory.Record().QueryByIDs(c.Request.Context(), []uint64{recordID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("查询诊断记录失败: %v", err)})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "诊断记录不存在"})
		return
	}
	record := records[0]

	// 2. 查询全部迭代
	iterations, err := s.repoFactory.Iteration().QueryByRecordID(c.Request.Context(), recordID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("查询诊断迭代失败: %v", err)})
		return
	}

	// 3. 查询记忆片段
	memories, err := s.repoFactory.Memory().QueryByRecordID(c.Request.Context(), recordID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("查询诊断记忆失败: %v", err)})
		return
	}

	// 4. 构建响应
	c.JSON(http.StatusOK, gin.H{
		"record":     record,
		"iterations": iterations,
		"memories":   memories,
		"statistics": gin.H{
			"record_id":         record.RecordID,
			"iteration_count":   len(iterations),
			"memory_count":      len(memories),
			"record_status":     record.RecordStatus,
			"confidence":        record.Confidence,
			"confidence_source": record.ConfidenceSource,
			"elapsed_seconds":   timex.AbsSecondsBetween(record.RecordCreateTime, record.RecordUpdateTime),
		},
		"trace_path": buildTracePath(record, iterations),
	})
}

// buildTracePath 构建诊断轨迹，展示记录从触发到结论的流转。
func buildTracePath(record domain.DiagnosisRecord, iterations []domain.DiagnosisIteration) []gin.H {
	path := []gin.H{
		{
			"step":        1,
			"stage":       "触发建档",
			"description": fmt.Sprintf("来源 %s 触发对 %s/%s 的诊断", record.Source, record.TargetKind, record.TargetName),
			"symptom":     record.Symptom,
		},
	}

	for i, it := range iterations {
		executed := make([]string, 0, len(it.Steps))
		for _, sr := range it.Steps {
			if sr.Ran {
				executed = append(executed, sr.Step)
			}
		}
		path = append(path, gin.H{
			"step":         i + 2,
			"stage":        fmt.Sprintf("第 %d 轮迭代", it.Sequence),
			"description":  fmt.Sprintf("执行 %d 个步骤，状态 %s", len(executed), it.IterationStatus),
			"iteration_id": it.IterationID,
			"steps":        executed,
			"confidence":   it.FinalConfidence,
		})
	}

	stage := gin.H{
		"step":   len(path) + 1,
		"stage":  "当前状态",
		"status": record.RecordStatus,
	}
	if record.RootCause != "" {
		stage["root_cause"] = record.RootCause
		stage["five_why"] = record.FiveWhy
		stage["recommendations"] = record.Recommendations
	}
	return append(path, stage)
}
