package controller

import (
	"errors"
	"fmt"
	"strconv"

	"mlearn_addons_backend/internal/repository"
	"mlearn_addons_backend/internal/service"
	"mlearn_addons_backend/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ScormController SCORM活动信息、成绩、目录和会话管理
type ScormController struct {
	ScormRepo *repository.ScormRepository
	ScormSvc  *service.ScormService
	SyncSvc   *service.ScormSyncService
	Player    *service.ScormPlayerService
	Storage   *service.StorageService
}

func NewScormController(
	scormRepo *repository.ScormRepository,
	scormSvc *service.ScormService,
	syncSvc *service.ScormSyncService,
	player *service.ScormPlayerService,
	storage *service.StorageService,
) *ScormController {
	return &ScormController{
		ScormRepo: scormRepo,
		ScormSvc:  scormSvc,
		SyncSvc:   syncSvc,
		Player:    player,
		Storage:   storage,
	}
}

func scormID(ctx *gin.Context) (uint, bool) {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil || id <= 0 {
		util.BadRequest(ctx, "invalid scorm id")
		return 0, false
	}
	return uint(id), true
}

// @Summary 获取SCORM活动信息
// @Tags SCORM
// @Produce json
// @Security BearerAuth
// @Param id path int true "活动ID"
// @Success 200 {object} util.Response
// @Router /api/scorm/{id} [get]
func (c *ScormController) GetScorm(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := scormID(ctx)
	if !ok {
		return
	}

	sc, err := c.ScormRepo.FindByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}

	count, err := c.ScormSvc.GetAttemptCount(ctx.Request.Context(), sc.ID, user.UserID, service.ReadPreferCache)
	if err != nil {
		// 站点不可达时仍返回活动信息，尝试数据留空
		util.Success(ctx, gin.H{"scorm": sc})
		return
	}

	util.Success(ctx, gin.H{
		"scorm":        sc,
		"attempts":     count,
		"attemptsLeft": c.ScormSvc.CountAttemptsLeft(sc, count.Total),
	})
}

// @Summary 获取用户的尝试统计（在线与离线合并）
// @Tags SCORM
// @Produce json
// @Security BearerAuth
// @Param id path int true "活动ID"
// @Success 200 {object} util.Response
// @Router /api/scorm/{id}/attempts [get]
func (c *ScormController) GetAttempts(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := scormID(ctx)
	if !ok {
		return
	}

	count, err := c.ScormSvc.GetAttemptCount(ctx.Request.Context(), id, user.UserID, service.ReadPreferCache)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, count)
}

// @Summary 获取某次尝试的目录树
// @Tags SCORM
// @Produce json
// @Security BearerAuth
// @Param id path int true "活动ID"
// @Param attempt query int true "尝试编号"
// @Param organization query string false "组织标识"
// @Param offline query bool false "读取离线数据"
// @Success 200 {object} util.Response
// @Router /api/scorm/{id}/toc [get]
func (c *ScormController) GetToc(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := scormID(ctx)
	if !ok {
		return
	}

	attempt, err := strconv.Atoi(ctx.DefaultQuery("attempt", "0"))
	if err != nil || attempt < 0 {
		util.BadRequest(ctx, "invalid attempt")
		return
	}
	offline := ctx.Query("offline") == "true"

	sc, err := c.ScormRepo.FindByID(id)
	if err != nil {
		util.NotFound(ctx)
		return
	}

	toc, err := c.ScormSvc.GetOrganizationToc(ctx.Request.Context(), sc, user.UserID, attempt, ctx.Query("organization"), offline)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, toc)
}

// @Summary 获取用户在活动上的成绩
// @Tags SCORM
// @Produce json
// @Security BearerAuth
// @Param id path int true "活动ID"
// @Success 200 {object} util.Response
// @Router /api/scorm/{id}/grade [get]
func (c *ScormController) GetGrade(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := scormID(ctx)
	if !ok {
		return
	}

	sc, err := c.ScormRepo.FindByID(id)
	if err != nil {
		util.NotFound(ctx)
		return
	}

	grade, err := c.ScormSvc.GetGrade(ctx.Request.Context(), sc, user.UserID)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{
		"grade":     grade,
		"formatted": c.ScormSvc.FormatGrade(grade),
	})
}

// @Summary 触发离线尝试同步
// @Tags SCORM
// @Produce json
// @Security BearerAuth
// @Param id path int true "活动ID"
// @Success 200 {object} util.Response
// @Router /api/scorm/{id}/sync [post]
func (c *ScormController) Sync(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := scormID(ctx)
	if !ok {
		return
	}

	sc, err := c.ScormRepo.FindByID(id)
	if err != nil {
		util.NotFound(ctx)
		return
	}

	result, err := c.SyncSvc.SyncScorm(ctx.Request.Context(), sc, user.UserID)
	if err != nil {
		util.Error(ctx, 409, err.Error())
		return
	}
	util.Success(ctx, result)
}

type launchRequest struct {
	ScoID      uint   `json:"scoId"`
	Mode       string `json:"mode"`
	NewAttempt bool   `json:"newAttempt"`
	Offline    bool   `json:"offline"`
}

// @Summary 启动播放会话
// @Tags SCORM
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "活动ID"
// @Param body body launchRequest false "入口SCO、模式等"
// @Success 200 {object} util.Response
// @Router /api/scorm/{id}/launch [post]
func (c *ScormController) Launch(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := scormID(ctx)
	if !ok {
		return
	}

	var body launchRequest
	if err := ctx.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		util.BadRequest(ctx, err.Error())
		return
	}

	session, err := c.Player.Launch(ctx.Request.Context(), user.UserID, id, body.ScoID,
		body.Mode, body.NewAttempt, body.Offline)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			util.NotFound(ctx)
			return
		}
		util.Error(ctx, 422, err.Error())
		return
	}
	util.Created(ctx, session)
}

// @Summary 关闭播放会话
// @Tags SCORM
// @Produce json
// @Security BearerAuth
// @Param token path string true "会话token"
// @Success 200 {object} util.Response
// @Router /api/scorm/sessions/{token} [delete]
func (c *ScormController) CloseSession(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	token := ctx.Param("token")
	session, err := c.Player.Get(token)
	if err != nil {
		util.NotFound(ctx)
		return
	}
	if session.UserID != user.UserID {
		util.Forbidden(ctx)
		return
	}

	if err := c.Player.Close(token); err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"closed": true})
}

// @Summary 上传SCORM课件包
// @Description 上传zip格式的课件包并绑定到活动，供离线播放时下载
// @Tags SCORM
// @Accept mpfd
// @Produce json
// @Security BearerAuth
// @Param id path int true "活动ID"
// @Param package formData file true "课件包文件"
// @Success 200 {object} util.Response
// @Failure 400 {object} util.Response "文件类型不合法"
// @Router /api/scorm/{id}/package [post]
func (c *ScormController) UploadPackage(ctx *gin.Context) {
	id, ok := scormID(ctx)
	if !ok {
		return
	}
	sc, err := c.ScormRepo.FindByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}

	fileHeader, err := ctx.FormFile("package")
	if err != nil {
		util.BadRequest(ctx, "缺少课件包文件")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	defer file.Close()

	mimeType, err := util.ValidateMimeType(file, util.AllowedPackageMimeTypes)
	if err != nil {
		util.BadRequest(ctx, "课件包必须是zip格式")
		return
	}
	if _, err := file.Seek(0, 0); err != nil {
		util.LogInternalError(ctx, err)
		return
	}

	objectName := fmt.Sprintf("scorm/packages/%d/%s.zip", sc.ID, uuid.New().String())
	url, err := c.Storage.Upload(ctx.Request.Context(), objectName, file, fileHeader.Size, mimeType)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}

	sc.PackageURL = url
	if err := c.ScormRepo.Update(sc); err != nil {
		util.LogInternalError(ctx, err)
		return
	}

	util.Success(ctx, gin.H{"packageUrl": url})
}
