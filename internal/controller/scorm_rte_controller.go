package controller

import (
	"mlearn_addons_backend/internal/service"
	"mlearn_addons_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// ScormRTEController SCORM 1.2运行时API。
// 播放器持launch时下发的会话token调用，八个端点与LMS*函数一一对应，
// 返回值保持SCORM规定的字符串形式（"true"/"false"、元素值、错误码）。
type ScormRTEController struct {
	Player *service.ScormPlayerService
}

func NewScormRTEController(player *service.ScormPlayerService) *ScormRTEController {
	return &ScormRTEController{Player: player}
}

func (c *ScormRTEController) session(ctx *gin.Context) *service.PlayerSession {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return nil
	}

	session, err := c.Player.Get(ctx.Param("token"))
	if err != nil {
		util.NotFound(ctx)
		return nil
	}
	if session.UserID != user.UserID {
		util.Forbidden(ctx)
		return nil
	}

	return session
}

type rteParamRequest struct {
	Param string `json:"param"`
}

// @Summary LMSInitialize
// @Tags SCORM运行时
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param token path string true "会话token"
// @Param body body rteParamRequest false "param 固定为空串"
// @Success 200 {object} util.Response
// @Router /api/scorm/rte/{token}/initialize [post]
func (c *ScormRTEController) Initialize(ctx *gin.Context) {
	session := c.session(ctx)
	if session == nil {
		return
	}

	var body rteParamRequest
	_ = ctx.ShouldBindJSON(&body)

	util.Success(ctx, gin.H{"result": session.Model.Initialize(body.Param)})
}

// @Summary LMSFinish
// @Tags SCORM运行时
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param token path string true "会话token"
// @Param body body rteParamRequest false "param 固定为空串"
// @Success 200 {object} util.Response
// @Router /api/scorm/rte/{token}/finish [post]
func (c *ScormRTEController) Finish(ctx *gin.Context) {
	session := c.session(ctx)
	if session == nil {
		return
	}

	var body rteParamRequest
	_ = ctx.ShouldBindJSON(&body)

	util.Success(ctx, gin.H{"result": session.Model.Finish(body.Param)})
}

// @Summary LMSGetValue
// @Tags SCORM运行时
// @Produce json
// @Security BearerAuth
// @Param token path string true "会话token"
// @Param element query string true "数据模型元素名"
// @Success 200 {object} util.Response
// @Router /api/scorm/rte/{token}/value [get]
func (c *ScormRTEController) GetValue(ctx *gin.Context) {
	session := c.session(ctx)
	if session == nil {
		return
	}

	util.Success(ctx, gin.H{"value": session.Model.GetValue(ctx.Query("element"))})
}

type rteSetValueRequest struct {
	Element string `json:"element" binding:"required"`
	Value   string `json:"value"`
}

// @Summary LMSSetValue
// @Tags SCORM运行时
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param token path string true "会话token"
// @Param body body rteSetValueRequest true "元素名和新值"
// @Success 200 {object} util.Response
// @Router /api/scorm/rte/{token}/value [post]
func (c *ScormRTEController) SetValue(ctx *gin.Context) {
	session := c.session(ctx)
	if session == nil {
		return
	}

	var body rteSetValueRequest
	if err := ctx.ShouldBindJSON(&body); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	util.Success(ctx, gin.H{"result": session.Model.SetValue(body.Element, body.Value)})
}

// @Summary LMSCommit
// @Tags SCORM运行时
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param token path string true "会话token"
// @Param body body rteParamRequest false "param 固定为空串"
// @Success 200 {object} util.Response
// @Router /api/scorm/rte/{token}/commit [post]
func (c *ScormRTEController) Commit(ctx *gin.Context) {
	session := c.session(ctx)
	if session == nil {
		return
	}

	var body rteParamRequest
	_ = ctx.ShouldBindJSON(&body)

	util.Success(ctx, gin.H{"result": session.Model.Commit(body.Param)})
}

// @Summary LMSGetLastError
// @Tags SCORM运行时
// @Produce json
// @Security BearerAuth
// @Param token path string true "会话token"
// @Success 200 {object} util.Response
// @Router /api/scorm/rte/{token}/last-error [get]
func (c *ScormRTEController) GetLastError(ctx *gin.Context) {
	session := c.session(ctx)
	if session == nil {
		return
	}

	util.Success(ctx, gin.H{"code": session.Model.GetLastError()})
}

// @Summary LMSGetErrorString
// @Tags SCORM运行时
// @Produce json
// @Security BearerAuth
// @Param token path string true "会话token"
// @Param code query string true "错误码"
// @Success 200 {object} util.Response
// @Router /api/scorm/rte/{token}/error-string [get]
func (c *ScormRTEController) GetErrorString(ctx *gin.Context) {
	session := c.session(ctx)
	if session == nil {
		return
	}

	util.Success(ctx, gin.H{"message": session.Model.GetErrorString(ctx.Query("code"))})
}

// @Summary LMSGetDiagnostic
// @Tags SCORM运行时
// @Produce json
// @Security BearerAuth
// @Param token path string true "会话token"
// @Param code query string false "错误码，为空时返回最近一次错误的诊断信息"
// @Success 200 {object} util.Response
// @Router /api/scorm/rte/{token}/diagnostic [get]
func (c *ScormRTEController) GetDiagnostic(ctx *gin.Context) {
	session := c.session(ctx)
	if session == nil {
		return
	}

	util.Success(ctx, gin.H{"message": session.Model.GetDiagnostic(ctx.Query("code"))})
}
