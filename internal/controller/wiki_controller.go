package controller

import (
	"errors"
	"strconv"

	"mlearn_addons_backend/internal/service"
	"mlearn_addons_backend/internal/util"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// WikiController wiki页面读写与同步
type WikiController struct {
	WikiSvc *service.WikiService
	SyncSvc *service.WikiSyncService
}

func NewWikiController(wikiSvc *service.WikiService, syncSvc *service.WikiSyncService) *WikiController {
	return &WikiController{WikiSvc: wikiSvc, SyncSvc: syncSvc}
}

func wikiID(ctx *gin.Context) (uint, bool) {
	id, err := strconv.Atoi(ctx.Param("id"))
	if err != nil || id <= 0 {
		util.BadRequest(ctx, "invalid wiki id")
		return 0, false
	}
	return uint(id), true
}

func groupID(ctx *gin.Context) (uint, bool) {
	group, err := strconv.Atoi(ctx.DefaultQuery("groupId", "0"))
	if err != nil || group < 0 {
		util.BadRequest(ctx, "invalid group id")
		return 0, false
	}
	return uint(group), true
}

// @Summary 获取课程下的wiki活动
// @Tags Wiki
// @Produce json
// @Security BearerAuth
// @Param courseId path int true "课程ID"
// @Success 200 {object} util.Response
// @Router /api/courses/{courseId}/wikis [get]
func (c *WikiController) ListByCourse(ctx *gin.Context) {
	courseID, err := strconv.Atoi(ctx.Param("courseId"))
	if err != nil || courseID <= 0 {
		util.BadRequest(ctx, "invalid course id")
		return
	}

	wikis, err := c.WikiSvc.GetCourseWikis(uint(courseID))
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, wikis)
}

// @Summary 获取子空间的页面列表（含离线排队页面）
// @Tags Wiki
// @Produce json
// @Security BearerAuth
// @Param id path int true "wiki ID"
// @Param groupId query int false "分组ID"
// @Success 200 {object} util.Response
// @Router /api/wikis/{id}/pages [get]
func (c *WikiController) ListPages(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := wikiID(ctx)
	if !ok {
		return
	}
	group, ok := groupID(ctx)
	if !ok {
		return
	}

	subwiki, err := c.WikiSvc.GetSubwiki(id, group, user.UserID)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}

	pages, err := c.WikiSvc.GetSubwikiPages(subwiki.ID)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"subwikiId": subwiki.ID, "pages": pages})
}

// @Summary 读取页面内容
// @Tags Wiki
// @Produce json
// @Security BearerAuth
// @Param id path int true "wiki ID"
// @Param title query string true "页面标题"
// @Param groupId query int false "分组ID"
// @Success 200 {object} util.Response
// @Router /api/wikis/{id}/page [get]
func (c *WikiController) GetPage(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := wikiID(ctx)
	if !ok {
		return
	}
	group, ok := groupID(ctx)
	if !ok {
		return
	}
	title := ctx.Query("title")
	if title == "" {
		util.BadRequest(ctx, "title is required")
		return
	}

	subwiki, err := c.WikiSvc.GetSubwiki(id, group, user.UserID)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}

	page, err := c.WikiSvc.GetPageContents(subwiki.ID, title)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			util.NotFound(ctx)
			return
		}
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, page)
}

type newPageRequest struct {
	Title   string `json:"title" binding:"required"`
	Content string `json:"content"`
	GroupID uint   `json:"groupId"`
	Offline bool   `json:"offline"`
}

// @Summary 新建页面，离线或站点不可达时进入待同步队列
// @Tags Wiki
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "wiki ID"
// @Param body body newPageRequest true "页面标题和内容"
// @Success 201 {object} util.Response
// @Router /api/wikis/{id}/pages [post]
func (c *WikiController) CreatePage(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := wikiID(ctx)
	if !ok {
		return
	}

	var body newPageRequest
	if err := ctx.ShouldBindJSON(&body); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	wiki, err := c.WikiSvc.GetWiki(id)
	if err != nil {
		util.NotFound(ctx)
		return
	}

	subwiki, err := c.WikiSvc.GetSubwiki(wiki.ID, body.GroupID, user.UserID)
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}

	result, err := c.WikiSvc.CreatePage(ctx.Request.Context(), wiki, subwiki, user.UserID,
		body.Title, body.Content, body.Offline)
	if err != nil {
		util.Error(ctx, 422, err.Error())
		return
	}
	util.Created(ctx, result)
}

// @Summary 同步wiki的离线页面
// @Tags Wiki
// @Produce json
// @Security BearerAuth
// @Param id path int true "wiki ID"
// @Success 200 {object} util.Response
// @Router /api/wikis/{id}/sync [post]
func (c *WikiController) Sync(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}
	id, ok := wikiID(ctx)
	if !ok {
		return
	}

	wiki, err := c.WikiSvc.GetWiki(id)
	if err != nil {
		util.NotFound(ctx)
		return
	}

	result, err := c.SyncSvc.SyncWiki(ctx.Request.Context(), wiki)
	if err != nil {
		util.Error(ctx, 409, err.Error())
		return
	}
	util.Success(ctx, result)
}
