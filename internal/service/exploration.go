package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/adb"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/assessment"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/config"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/device"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/journal"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/middleware"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/policy"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/queue"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/repository"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/retry"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/utg"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// UTGFile 运行输出目录中的迁移图文件
const UTGFile = "utg.json"

// Device 一次运行独占的设备
type Device interface {
	policy.Device
	Connect(ctx context.Context) error
	OnStateObserved(observer device.StateObserver)
	Close()
}

// DeviceFactory 按序列号创建设备
type DeviceFactory func(serial string, app *domain.App) Device

// Broadcaster 实时推送屏幕、动作与运行状态
type Broadcaster interface {
	BroadcastState(notice domain.StateNotice)
	BroadcastAction(runID string, step int, event *domain.Event)
	BroadcastStatus(runID string, status domain.RunStatus)
}

// Dispatcher 异步执行运行请求
type Dispatcher interface {
	Dispatch(req *domain.RunRequest) error
}

// Options 服务依赖，除 Runs 外均可为空
type Options struct {
	Runs        repository.RunRepository
	Devices     *device.Manager // serve 模式的设备池
	Credentials *assessment.CredentialManager
	Oracle      policy.Oracle
	Ranker      policy.Ranker
	Memory      policy.MemoryLookup
	Events      queue.Publisher // 屏幕通知发布到 RabbitMQ
	Metrics     *middleware.PrometheusMetrics
	Broadcaster Broadcaster
	Dispatcher  Dispatcher
	NewDevice   DeviceFactory
}

// RunResult 一次运行的结果
type RunResult struct {
	RunID     string             `json:"run_id"`
	Status    domain.RunStatus   `json:"status"`
	Steps     int                `json:"steps"`
	Reason    policy.StopReason  `json:"reason"`
	Errors    int                `json:"errors"`
	Summary   assessment.Summary `json:"summary"`
	OutputDir string             `json:"output_dir"`
}

// ExplorationService 探索服务接口
type ExplorationService interface {
	// Submit 创建运行记录并交给调度器异步执行
	Submit(ctx context.Context, req *domain.RunRequest) (*domain.ExplorationRun, error)
	// Execute 在当前协程中完整执行一次运行
	Execute(ctx context.Context, req *domain.RunRequest) (*RunResult, error)

	GetRun(ctx context.Context, runID string) (*domain.ExplorationRun, error)
	ListRuns(ctx context.Context, page int, pageSize int) ([]*domain.ExplorationRun, int64, error)
	ListStates(ctx context.Context, runID string) ([]*domain.StateRecord, error)
	ListTransitions(ctx context.Context, runID string) ([]*domain.TransitionRecord, error)
	ListJournal(ctx context.Context, runID string) ([]*domain.JournalRecord, error)
	// UTGPath 运行结束后导出的迁移图路径
	UTGPath(runID string) string
}

type explorationService struct {
	cfg    *config.Config
	opts   Options
	logger *logrus.Logger
}

// NewExplorationService 创建探索服务
func NewExplorationService(cfg *config.Config, opts Options, logger *logrus.Logger) ExplorationService {
	if opts.NewDevice == nil {
		opts.NewDevice = AndroidDeviceFactory(cfg.ADB, nil, logger)
	}
	return &explorationService{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
	}
}

// AndroidDeviceFactory 基于 adb 的设备工厂，pollConfig 为 nil 时使用默认轮询退避
func AndroidDeviceFactory(cfg config.ADBConfig, pollConfig *retry.Config, logger *logrus.Logger) DeviceFactory {
	timeout := time.Duration(cfg.Timeout) * time.Second
	return func(serial string, app *domain.App) Device {
		client := adb.NewClient(cfg.Path, serial, timeout, logger)
		d := device.NewAndroid(client, app, logger)
		if pollConfig != nil {
			d.WithPollConfig(pollConfig)
		}
		return d
	}
}

func (s *explorationService) Submit(ctx context.Context, req *domain.RunRequest) (*domain.ExplorationRun, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.opts.Dispatcher == nil {
		return nil, errors.New("no dispatcher configured")
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}

	run := s.newRun(req)
	if err := s.opts.Runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	if err := s.opts.Dispatcher.Dispatch(req); err != nil {
		s.finish(context.Background(), run.ID, domain.RunStatusFailed, 0, 0, err.Error())
		return nil, fmt.Errorf("failed to dispatch run: %w", err)
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordRunQueued()
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"package": run.PackageName,
		"policy":  run.Policy,
	}).Info("Run submitted")
	return run, nil
}

func (s *explorationService) newRun(req *domain.RunRequest) *domain.ExplorationRun {
	return &domain.ExplorationRun{
		ID:          req.RunID,
		AppName:     req.App.DisplayName(),
		PackageName: req.App.Package,
		Policy:      s.policyName(req),
		Task:        req.Task,
		Status:      domain.RunStatusQueued,
	}
}

func (s *explorationService) policyName(req *domain.RunRequest) string {
	if req.Policy != "" {
		return req.Policy
	}
	return s.cfg.Explorer.Policy
}

// ensureRun 队列或命令行直接执行时运行记录可能不存在
func (s *explorationService) ensureRun(ctx context.Context, req *domain.RunRequest) error {
	_, err := s.opts.Runs.FindByID(ctx, req.RunID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to load run: %w", err)
	}
	return s.opts.Runs.Create(ctx, s.newRun(req))
}

func (s *explorationService) Execute(ctx context.Context, req *domain.RunRequest) (*RunResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	if req.App.Package == "" {
		req.App = domain.App{
			Name:         s.cfg.App.Name,
			Package:      s.cfg.App.Package,
			MainActivity: s.cfg.App.MainActivity,
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := policy.ParseName(s.policyName(req)); err != nil {
		return nil, err
	}
	if err := s.ensureRun(ctx, req); err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"run_id":  req.RunID,
		"package": req.App.Package,
		"policy":  s.policyName(req),
	})

	serial, release, err := s.acquireDevice(ctx, req)
	if err != nil {
		s.finish(context.Background(), req.RunID, domain.RunStatusFailed, 0, 0, err.Error())
		return nil, err
	}
	defer release()

	result, err := s.execute(ctx, req, serial, log)
	if err != nil {
		log.WithError(err).Error("Run failed")
	}
	return result, err
}

// acquireDevice 请求指定 > 设备池分配 > 配置的默认设备
func (s *explorationService) acquireDevice(ctx context.Context, req *domain.RunRequest) (string, func(), error) {
	if req.DeviceSerial != "" {
		return req.DeviceSerial, func() {}, nil
	}
	if s.opts.Devices != nil && s.opts.Devices.Count() > 0 {
		slot, err := s.opts.Devices.Acquire(ctx, req.RunID)
		if err != nil {
			return "", nil, fmt.Errorf("failed to acquire device: %w", err)
		}
		return slot.Serial, func() { s.opts.Devices.Release(slot) }, nil
	}
	return s.cfg.ADB.Serial, func() {}, nil
}

func (s *explorationService) execute(ctx context.Context, req *domain.RunRequest, serial string, log *logrus.Entry) (*RunResult, error) {
	app := req.App
	name := s.policyName(req)
	outDir := filepath.Join(s.cfg.OutputDir, req.RunID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		s.finish(context.Background(), req.RunID, domain.RunStatusFailed, 0, 0, err.Error())
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	dev := s.opts.NewDevice(serial, &app)
	defer dev.Close()
	if err := dev.Connect(ctx); err != nil {
		s.finish(context.Background(), req.RunID, domain.RunStatusFailed, 0, 0, err.Error())
		return nil, fmt.Errorf("failed to connect device %s: %w", serial, err)
	}

	var acfg *assessment.Config
	if s.opts.Credentials != nil {
		acfg = s.opts.Credentials.Config()
	}
	task := req.Task
	if task == "" && name == policy.NameTask {
		if acfg != nil {
			task = acfg.TaskDescription()
		} else {
			task = assessment.DefaultTask
		}
	}

	store := s.opts.Runs.Store(req.RunID, task)
	tracker := assessment.NewTracker(req.RunID, acfg, store, s.logger)
	dev.OnStateObserved(tracker.ObserveState)

	if s.opts.Events != nil && s.cfg.RabbitMQ.EventsQueue != "" {
		pub := queue.NewStatePublisher(s.opts.Events, s.cfg.RabbitMQ.EventsQueue, req.RunID, s.logger)
		if s.opts.Metrics != nil {
			pub.OnDrop(s.opts.Metrics.RecordPublishFailure)
		}
		dev.OnStateObserved(pub.ObserveState)
		defer pub.Close()
	}
	if b := s.opts.Broadcaster; b != nil {
		runID := req.RunID
		dev.OnStateObserved(func(state *domain.State) {
			b.BroadcastState(domain.NewStateNotice(runID, state))
		})
	}

	p, err := policy.New(s.policyConfig(req, name, task, dev, &app, outDir, store))
	if err != nil {
		s.finish(context.Background(), req.RunID, domain.RunStatusFailed, 0, 0, err.Error())
		return nil, err
	}

	recorder, err := journal.NewRecorder(outDir, s.logger)
	if err != nil {
		s.finish(context.Background(), req.RunID, domain.RunStatusFailed, 0, 0, err.Error())
		return nil, err
	}

	eventCount := req.EventCount
	if eventCount == 0 {
		eventCount = s.cfg.Explorer.EventCount
	}
	loop := policy.NewLoop(p, dev, &app, policy.LoopConfig{
		EventCount:    eventCount,
		EventInterval: s.cfg.Explorer.EventIntervalDuration(),
		SkipKillApp:   s.cfg.Explorer.KeepApp,
	}, s.logger)
	loop.AddListener(policy.EventListenerFunc(func(step int, event *domain.Event, from, to *domain.State) {
		if err := recorder.Record(event, from, to); err != nil {
			log.WithError(err).Warn("Failed to record event")
		}
		s.observeEvent(req.RunID, name, &app, step, event)
	}))
	loop.StopWhen(tracker.LimitReached)

	if err := s.opts.Runs.MarkRunning(ctx, req.RunID, serial); err != nil {
		log.WithError(err).Warn("Failed to mark run as running")
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordRunStarted()
	}
	s.broadcastStatus(req.RunID, domain.RunStatusRunning)
	log.WithFields(logrus.Fields{
		"device": serial,
		"budget": eventCount,
		"task":   task,
	}).Info("Run started")

	start := time.Now()
	loopResult, runErr := loop.Run(ctx)

	if g, ok := p.(interface{ UTG() *utg.UTG }); ok {
		if err := writeUTG(filepath.Join(outDir, UTGFile), g.UTG()); err != nil {
			log.WithError(err).Warn("Failed to export UTG")
		}
	}

	summary := tracker.Summary()
	status, errMsg := runStatus(loopResult, runErr)
	s.finish(context.Background(), req.RunID, status, loopResult.Steps, summary.UniqueStates, errMsg)

	if m := s.opts.Metrics; m != nil {
		m.RecordRunFinished(name, string(status), string(loopResult.Reason), time.Since(start))
		m.RecordEventErrors(name, loopResult.Errors)
		m.RecordStatesDiscovered(app.Package, summary.UniqueStates)
	}

	log.WithFields(logrus.Fields{
		"status":        status,
		"steps":         loopResult.Steps,
		"reason":        loopResult.Reason,
		"unique_states": summary.UniqueStates,
		"unvisited":     summary.UnvisitedSections,
	}).Info("Run finished")

	return &RunResult{
		RunID:     req.RunID,
		Status:    status,
		Steps:     loopResult.Steps,
		Reason:    loopResult.Reason,
		Errors:    loopResult.Errors,
		Summary:   summary,
		OutputDir: outDir,
	}, runErr
}

func (s *explorationService) policyConfig(req *domain.RunRequest, name, task string, dev Device, app *domain.App, outDir string, store *repository.RunStore) policy.Config {
	cfg := policy.Config{
		Name: name,
		Options: policy.Options{
			Device:       dev,
			App:          app,
			Logger:       s.logger,
			RandomInput:  s.cfg.Explorer.RandomInput,
			PollInterval: s.cfg.Explorer.PollIntervalDuration(),
			Ranker:       s.opts.Ranker,
		},
		ReplayDir: req.ReplayDir,
	}
	if cfg.ReplayDir == "" {
		cfg.ReplayDir = s.cfg.Explorer.ReplayDir
	}
	if name != policy.NameTask {
		return cfg
	}

	cfg.Task = policy.TaskOptions{
		Task:        task,
		Oracle:      s.opts.Oracle,
		Memory:      s.opts.Memory,
		UseThoughts: s.cfg.Explorer.UseThoughts,
	}
	if s.opts.Credentials != nil {
		cfg.Task.Notes = s.opts.Credentials
	}
	sinks := []journal.Sink{store}
	if j, err := journal.Open(outDir, task, s.logger); err != nil {
		s.logger.WithError(err).Warn("Failed to open task journal, using database only")
	} else {
		sinks = append(sinks, j)
	}
	cfg.Task.Journal = &countingSink{
		Sink:    journal.NewMultiSink(s.logger, sinks...),
		metrics: s.opts.Metrics,
	}
	return cfg
}

func (s *explorationService) observeEvent(runID, policyName string, app *domain.App, step int, event *domain.Event) {
	if m := s.opts.Metrics; m != nil {
		m.RecordEvent(policyName, string(event.Kind))
		if event.Kind == domain.EventIntent && event.Intent != nil && event.Intent.Action == domain.IntentStart {
			m.RecordAppRestart(app.Package)
		}
	}
	if b := s.opts.Broadcaster; b != nil {
		b.BroadcastAction(runID, step, event)
	}
}

func (s *explorationService) broadcastStatus(runID string, status domain.RunStatus) {
	if s.opts.Broadcaster != nil {
		s.opts.Broadcaster.BroadcastStatus(runID, status)
	}
}

func (s *explorationService) finish(ctx context.Context, runID string, status domain.RunStatus, steps, unique int, errMsg string) {
	if err := s.opts.Runs.Finish(ctx, runID, status, steps, unique, errMsg); err != nil {
		s.logger.WithError(err).WithField("run_id", runID).Error("Failed to update run status")
	}
	s.broadcastStatus(runID, status)
}

// runStatus 结束原因到运行状态
func runStatus(result *policy.Result, err error) (domain.RunStatus, string) {
	switch {
	case result.Reason == policy.StopCancelled:
		return domain.RunStatusCancelled, "cancelled"
	case err != nil:
		return domain.RunStatusFailed, err.Error()
	case result.Reason == policy.StopInterrupted:
		return domain.RunStatusFailed, policy.ErrInterrupted.Error()
	default:
		return domain.RunStatusCompleted, ""
	}
}

func writeUTG(path string, g *utg.UTG) error {
	data, err := json.MarshalIndent(g.Export(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *explorationService) GetRun(ctx context.Context, runID string) (*domain.ExplorationRun, error) {
	return s.opts.Runs.FindByID(ctx, runID)
}

func (s *explorationService) ListRuns(ctx context.Context, page int, pageSize int) ([]*domain.ExplorationRun, int64, error) {
	return s.opts.Runs.ListWithPagination(ctx, page, pageSize)
}

func (s *explorationService) ListStates(ctx context.Context, runID string) ([]*domain.StateRecord, error) {
	return s.opts.Runs.ListStates(ctx, runID)
}

func (s *explorationService) ListTransitions(ctx context.Context, runID string) ([]*domain.TransitionRecord, error) {
	return s.opts.Runs.ListTransitions(ctx, runID)
}

func (s *explorationService) ListJournal(ctx context.Context, runID string) ([]*domain.JournalRecord, error) {
	return s.opts.Runs.ListJournal(ctx, runID)
}

func (s *explorationService) UTGPath(runID string) string {
	return filepath.Join(s.cfg.OutputDir, runID, UTGFile)
}

// countingSink 写入成功后计数
type countingSink struct {
	journal.Sink
	metrics *middleware.PrometheusMetrics
}

func (c *countingSink) Append(ctx context.Context, rec journal.Record) error {
	if err := c.Sink.Append(ctx, rec); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordJournalRecord()
	}
	return nil
}
