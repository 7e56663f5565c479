package app

import (
	"mlearn_addons_backend/docs"
	"mlearn_addons_backend/internal/config"
	"mlearn_addons_backend/internal/middleware"
	"mlearn_addons_backend/internal/model"

	"mlearn_addons_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, repos *repositories, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/api"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	a.registerPublicRoutes(router, c)

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(), middleware.ActivityMiddleware(repos.user))
	{
		a.registerScormRoutes(authGroup, c)
		a.registerWikiRoutes(authGroup, c)

		authGroup.GET("/profile", c.auth.GetProfile)
	}

	// 3. 管理员相关接口
	a.registerAdminRoutes(router, c, repos, cfg)
}

func (a *App) registerPublicRoutes(router *gin.Engine, c *controllers) {
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
		public.POST("/register", c.auth.Register)
		public.POST("/login", c.auth.Login)

		// 验证码相关
		captcha := public.Group("/auth/captcha")
		{
			captcha.POST("/verify", c.auth.VerifyCaptcha)
			captcha.GET("/check-skip", c.auth.CheckCaptchaSkip)
		}
	}
}

func (a *App) registerScormRoutes(rg *gin.RouterGroup, c *controllers) {
	scorm := rg.Group("/scorm")
	{
		scorm.GET("/:id", c.scorm.GetScorm)
		scorm.GET("/:id/attempts", c.scorm.GetAttempts)
		scorm.GET("/:id/toc", c.scorm.GetToc)
		scorm.GET("/:id/grade", c.scorm.GetGrade)
		scorm.POST("/:id/sync", c.scorm.Sync)
		scorm.POST("/:id/launch", c.scorm.Launch)
		scorm.POST("/:id/package", middleware.RoleMiddleware(model.Teacher, model.Admin), c.scorm.UploadPackage)

		scorm.DELETE("/sessions/:token", c.scorm.CloseSession)

		// SCORM 1.2 运行时API，由播放器页面调用
		rte := scorm.Group("/rte/:token")
		{
			rte.POST("/initialize", c.scormRTE.Initialize)
			rte.POST("/finish", c.scormRTE.Finish)
			rte.GET("/value", c.scormRTE.GetValue)
			rte.POST("/value", c.scormRTE.SetValue)
			rte.POST("/commit", c.scormRTE.Commit)
			rte.GET("/last-error", c.scormRTE.GetLastError)
			rte.GET("/error-string", c.scormRTE.GetErrorString)
			rte.GET("/diagnostic", c.scormRTE.GetDiagnostic)
		}
	}
}

func (a *App) registerWikiRoutes(rg *gin.RouterGroup, c *controllers) {
	rg.GET("/courses/:courseId/wikis", c.wiki.ListByCourse)

	wiki := rg.Group("/wikis")
	{
		wiki.GET("/:id/pages", c.wiki.ListPages)
		wiki.GET("/:id/page", c.wiki.GetPage)
		wiki.POST("/:id/pages", c.wiki.CreatePage)
		wiki.POST("/:id/sync", c.wiki.Sync)
	}
}

func (a *App) registerAdminRoutes(router *gin.Engine, c *controllers, repos *repositories, cfg *config.Config) {
	admin := router.Group("/api/admin")
	admin.Use(middleware.AuthMiddleware(), middleware.ActivityMiddleware(repos.user))
	{
		// 用户列表和详情：允许管理员和老师访问
		admin.GET("/users", middleware.RoleMiddleware(model.Admin, model.Teacher), c.user.GetUsers)
		admin.GET("/users/:id", middleware.RoleMiddleware(model.Admin, model.Teacher), c.user.GetUser)

		// 其他所有接口：仅限管理员访问
		adminOnly := admin.Group("/")
		adminOnly.Use(middleware.RoleMiddleware(model.Admin))
		{
			adminOnly.PUT("/users/:id", c.user.UpdateUser)
			adminOnly.DELETE("/users/:id", c.user.DeleteUser)
			adminOnly.POST("/users/:id/reset-password", c.user.ResetPassword)
			adminOnly.POST("/users/:id/disable", c.user.DisableUser)
		}
	}
}
