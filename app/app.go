// app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fedpi/config"
	"fedpi/consensus"
	"fedpi/db"
	"fedpi/handlers"
	"fedpi/logs"
	"fedpi/negotiation"
	"fedpi/vm"
)

// Container 节点的全部组件，按依赖顺序构建
type Container struct {
	Config   *config.Config
	DB       *db.Manager
	Roster   *negotiation.Roster
	Executor *vm.Executor
	Ordering *consensus.SimulatedOrdering
	Adapter  *consensus.Adapter
	Bus      *consensus.EventBus
	API      *http.Server

	// Participant 本节点的 DKG 参与者，没有私钥文件时为 nil（只读观察节点）
	Participant *negotiation.Participant
}

// NewContainer 打开数据库、加载联邦成员并恢复执行器状态。
// 目前只接了单机模拟排序服务，接入真实排序服务时替换 Ordering 即可。
func NewContainer(cfg *config.Config) (*Container, error) {
	roster, err := negotiation.RosterFromConfig(cfg.Federation)
	if err != nil {
		return nil, fmt.Errorf("load federation: %w", err)
	}
	var participant *negotiation.Participant
	if cfg.Node.KeyFile != "" {
		if participant, err = loadParticipant(cfg.Node, roster); err != nil {
			return nil, err
		}
	} else {
		logs.Warn("[Node] no key file configured, running as observer")
	}
	mgr, err := db.NewManager(cfg.Node.DataDir, cfg.Database)
	if err != nil {
		return nil, err
	}
	exec, err := vm.NewExecutor(mgr, roster, cfg.Negotiation, cfg.Consensus.VerifyWorkers)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}

	c := &Container{
		Config:      cfg,
		DB:          mgr,
		Roster:      roster,
		Executor:    exec,
		Ordering:    consensus.NewSimulatedOrdering(cfg.Consensus.SubscribeBuffer),
		Bus:         consensus.NewEventBus(),
		Participant: participant,
	}
	c.subscribeLogging()

	c.Adapter, err = consensus.NewAdapter(c.Ordering, exec, roster, cfg.Consensus, c.Bus)
	if err != nil {
		_ = mgr.Close()
		return nil, err
	}

	if cfg.API.Enabled {
		hm := handlers.NewHandlerManager(cfg.Node.ID, exec, c.Adapter).WithRateLimit(cfg.API.RateLimit)
		c.API = &http.Server{
			Addr:         cfg.API.ListenAddr,
			Handler:      handlers.SetupRouter(hm),
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		}
	}
	return c, nil
}

func (c *Container) subscribeLogging() {
	c.Bus.Subscribe(consensus.EventBlockApplied, func(e consensus.Event) {
		logs.Debug("[Node] block %d applied, app hash %x", e.Height, e.AppHash)
	})
	c.Bus.Subscribe(consensus.EventRedelivered, func(e consensus.Event) {
		logs.Verbose("[Node] redelivered block %d skipped", e.Height)
	})
	c.Bus.Subscribe(consensus.EventHalted, func(e consensus.Event) {
		logs.Error("[Node] replica halted at height %d: %v", e.Height, e.Err)
	})
	c.Bus.Subscribe(consensus.EventDivergence, func(e consensus.Event) {
		logs.Error("[Node] divergence at height %d: %v", e.Height, e.Err)
	})
}

// App 主应用结构
type App struct {
	container *Container
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	errOnce sync.Once
	errCh   chan error
}

// NewApp 创建应用实例
func NewApp(container *Container) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		container: container,
		ctx:       ctx,
		cancel:    cancel,
		errCh:     make(chan error, 1),
	}
}

// Start 按依赖顺序启动：排序服务出块 -> 重放循环 -> API
func (a *App) Start() error {
	startOrder := []string{"ordering", "consensus", "api"}
	for _, name := range startOrder {
		if err := a.startService(name); err != nil {
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		logs.Info("[Node] service %s started", name)
	}
	return nil
}

func (a *App) startService(name string) error {
	c := a.container
	switch name {
	case "ordering":
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			c.Ordering.RunSealer(a.ctx, c.Config.Consensus.SealInterval)
		}()
	case "consensus":
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			err := c.Adapter.Run(a.ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.report(fmt.Errorf("consensus: %w", err))
			}
		}()
	case "api":
		if c.API == nil {
			return nil
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			logs.Info("[Node] API listening on %s", c.API.Addr)
			if err := c.API.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.report(fmt.Errorf("api: %w", err))
			}
		}()
	default:
		return fmt.Errorf("unknown service %s", name)
	}
	return nil
}

func (a *App) report(err error) {
	a.errOnce.Do(func() { a.errCh <- err })
}

// Done 任一后台服务异常退出时返回其错误
func (a *App) Done() <-chan error {
	return a.errCh
}

// Stop 停止应用，API 最多等待 timeout 完成在途请求
func (a *App) Stop(timeout time.Duration) error {
	c := a.container
	if c.API != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := c.API.Shutdown(ctx); err != nil {
			logs.Warn("[Node] API shutdown: %v", err)
		}
		cancel()
	}
	a.cancel()
	c.Ordering.Close()
	a.wg.Wait()
	return c.DB.Close()
}
