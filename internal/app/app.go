package app

import (
	"mlearn_addons_backend/internal/config"
	"mlearn_addons_backend/internal/controller"
	"mlearn_addons_backend/internal/event"
	"mlearn_addons_backend/internal/repository"
	"mlearn_addons_backend/internal/service"
	"mlearn_addons_backend/pkg/database"
	"mlearn_addons_backend/pkg/logger"
	"mlearn_addons_backend/pkg/monitoring"
	"mlearn_addons_backend/pkg/security"
	"mlearn_addons_backend/pkg/tracing"
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Config          *config.Config
	Router          *gin.Engine
	DB              *gorm.DB
	Redis           *redis.Client
	services        *services
	bus             *event.Bus
	stopAutoSync    chan struct{}
	configCallbacks []func(*config.Config)
}

type repositories struct {
	user         *repository.UserRepository
	scorm        *repository.ScormRepository
	scormOffline *repository.ScormOfflineRepository
	wiki         *repository.WikiRepository
}

type services struct {
	auth        *service.AuthService
	user        *service.UserService
	captcha     *service.CaptchaService
	storage     *service.StorageService
	scormOnline *service.ScormOnlineService
	scorm       *service.ScormService
	scormSync   *service.ScormSyncService
	player      *service.ScormPlayerService
	wiki        *service.WikiService
	wikiSync    *service.WikiSyncService
}

type controllers struct {
	auth     *controller.AuthController
	user     *controller.UserController
	scorm    *controller.ScormController
	scormRTE *controller.ScormRTEController
	wiki     *controller.WikiController
	health   *controller.HealthController
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

// ReloadConfig 应用热更新后的配置
func (a *App) ReloadConfig(cfg *config.Config) {
	a.Config = cfg
	for _, callback := range a.configCallbacks {
		callback(cfg)
	}
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:         repository.NewUserRepository(db),
		scorm:        repository.NewScormRepository(db),
		scormOffline: repository.NewScormOfflineRepository(db),
		wiki:         repository.NewWikiRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, rdb *redis.Client, bus *event.Bus) *services {
	s := &services{}

	s.storage = service.NewStorageService(cfg)
	s.auth = service.NewAuthService(repos.user, cfg)
	s.user = service.NewUserService(repos.user)
	s.captcha = service.NewCaptchaService(rdb, cfg)

	// SCORM与wiki各持有独立的阻塞登记表，避免活动ID在两个命名空间之间串扰
	scormBlocker := service.NewSyncBlocker()
	wikiBlocker := service.NewSyncBlocker()

	s.scormOnline = service.NewScormOnlineService(cfg.LMS, rdb, scormBlocker)
	s.scorm = service.NewScormService(repos.scorm, repos.scormOffline, repos.user, s.scormOnline, bus)
	s.scormSync = service.NewScormSyncService(repos.scorm, repos.scormOffline, s.scorm, s.scormOnline, scormBlocker, bus, cfg.Sync.Interval)
	s.player = service.NewScormPlayerService(repos.scorm, repos.scormOffline, s.scorm, s.scormOnline, scormBlocker, bus)

	s.wiki = service.NewWikiService(repos.wiki, s.scormOnline, wikiBlocker)
	s.wikiSync = service.NewWikiSyncService(repos.wiki, s.scormOnline, wikiBlocker, bus, cfg.Sync.Interval)

	return s
}

func (a *App) initControllers(s *services, repos *repositories, db *gorm.DB) *controllers {
	return &controllers{
		auth:     controller.NewAuthController(s.auth, s.user, s.captcha, a.Config.Server.Mode == "release"),
		user:     controller.NewUserController(s.user),
		scorm:    controller.NewScormController(repos.scorm, s.scorm, s.scormSync, s.player, s.storage),
		scormRTE: controller.NewScormRTEController(s.player),
		wiki:     controller.NewWikiController(s.wiki, s.wikiSync),
		health:   controller.NewHealthController(db),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(func(c *gin.Context) {
		c.Set("config", a.Config)
		c.Next()
	})
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())

	maxRequests := cfg.RateLimit.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 10000
	}
	window := time.Duration(cfg.RateLimit.WindowMinutes) * time.Minute
	if window <= 0 {
		window = time.Minute
	}
	router.Use(security.RateLimiter(maxRequests, window))

	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
}

// startAutoSync 周期性地把积累的离线数据推送到LMS站点
func (a *App) startAutoSync(s *services, interval time.Duration) {
	a.stopAutoSync = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				if err := s.scormSync.SyncAll(ctx); err != nil {
					monitoring.SyncRuns.WithLabelValues("scorm", "error").Inc()
					logger.Log.Error("scorm auto sync error", zap.Error(err))
				} else {
					monitoring.SyncRuns.WithLabelValues("scorm", "ok").Inc()
				}
				if err := s.wikiSync.SyncAll(ctx); err != nil {
					monitoring.SyncRuns.WithLabelValues("wiki", "error").Inc()
					logger.Log.Error("wiki auto sync error", zap.Error(err))
				} else {
					monitoring.SyncRuns.WithLabelValues("wiki", "ok").Inc()
				}
				cancel()
			case <-a.stopAutoSync:
				return
			}
		}
	}()
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)

	logger.Log.Info("Logger initialized successfully")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
		log.Fatalf("Failed to initialize database: %v", err)
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
		log.Fatalf("Failed to initialize redis: %v", err)
	}

	app := &App{
		Config: cfg,
		DB:     db,
		Redis:  rdb,
	}

	bus := event.NewBus(rdb)
	bus.Run()
	app.bus = bus

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, rdb, bus)
	app.services = services
	controllers := app.initControllers(services, repos, db)

	app.RegisterConfigCallback(func(c *config.Config) {
		services.scormSync.Interval = c.Sync.Interval
		services.wikiSync.Interval = c.Sync.Interval
	})

	monitoring.Init()

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		_, err := tracing.InitTracer("mlearn-addons-backend", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
	}

	app.registerRoutes(router, controllers, repos, cfg)

	if cfg.Storage.Type == "local" {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	app.startAutoSync(services, cfg.Sync.Interval)

	return app
}

func (a *App) Run() {
	srv := &http.Server{
		Addr:    ":" + a.Config.Server.Port,
		Handler: a.Router,
	}

	// 启动服务器
	go func() {
		log.Printf("Server running on port %s", a.Config.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// 停止后台同步和事件总线
	if a.stopAutoSync != nil {
		close(a.stopAutoSync)
	}
	if a.bus != nil {
		a.bus.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
