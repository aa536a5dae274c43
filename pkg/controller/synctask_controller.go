package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	terr "github.com/databendcloud/sync-dispatch/pkg/errors"
	"github.com/databendcloud/sync-dispatch/pkg/logic/sync_logic"
	"github.com/databendcloud/sync-dispatch/source"
)

const (
	defaultJobLimit = 50
	statsWindow     = time.Minute
)

type SyncTaskController struct {
	l sync_logic.SyncLogic
}

func NewSyncTaskController(l sync_logic.SyncLogic) *SyncTaskController {
	return &SyncTaskController{l: l}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewRouter(ctl *SyncTaskController) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", source.HeaderSignature, source.HeaderDeliveryID},
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	ctl.InjectRouters(r)
	return r
}

func (ctl *SyncTaskController) InjectRouters(r *gin.Engine) {
	g := r.Group("/api/v1")
	{
		g.POST("/webhooks/:syncId", ctl.ReceiveWebhook)

		g.POST("/syncs", ctl.CreateSync)
		g.GET("/syncs", ctl.ListSyncs)
		g.GET("/syncs/:id", ctl.GetSync)
		g.DELETE("/syncs/:id", ctl.DeleteSync)
		g.POST("/syncs/:id/activate", ctl.Activate)
		g.POST("/syncs/:id/pause", ctl.Pause)
		g.POST("/syncs/:id/resume", ctl.Resume)
		g.POST("/syncs/:id/resync", ctl.Resync)
		g.GET("/syncs/:id/jobs", ctl.ListJobs)

		g.POST("/jobs/:id/report", ctl.ReportJob)
		g.POST("/ticks", ctl.RunTick)
		g.GET("/stats", ctl.Stats)
	}
}

// ReceiveWebhook answers 202 once the delivery is staged. Anything else makes the
// provider redeliver, which staging tolerates.
func (ctl *SyncTaskController) ReceiveWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "MalformedPayload", Message: err.Error()})
		return
	}
	job, err := ctl.l.ReceiveWebhook(c.Request.Context(), c.Param("syncId"), c.Request.Header, body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "job": job})
}

func (ctl *SyncTaskController) CreateSync(c *gin.Context) {
	var req sync_logic.CreateSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "MalformedPayload", Message: "invalid json body"})
		return
	}
	s, err := ctl.l.CreateSync(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (ctl *SyncTaskController) ListSyncs(c *gin.Context) {
	syncs, err := ctl.l.ListSyncs(c.Request.Context(), c.Query("teamId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"syncs": syncs})
}

func (ctl *SyncTaskController) GetSync(c *gin.Context) {
	s, err := ctl.l.GetSync(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (ctl *SyncTaskController) DeleteSync(c *gin.Context) {
	if err := ctl.l.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (ctl *SyncTaskController) Activate(c *gin.Context) {
	s, err := ctl.l.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (ctl *SyncTaskController) Pause(c *gin.Context) {
	s, err := ctl.l.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (ctl *SyncTaskController) Resume(c *gin.Context) {
	s, err := ctl.l.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (ctl *SyncTaskController) Resync(c *gin.Context) {
	var body struct {
		Table string `json:"table"`
	}
	_ = c.ShouldBindJSON(&body)
	if err := ctl.l.Resync(c.Request.Context(), c.Param("id"), body.Table); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"resync": true, "table": body.Table})
}

func (ctl *SyncTaskController) ListJobs(c *gin.Context) {
	limit := defaultJobLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorBody{Code: "MalformedPayload", Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	jobs, err := ctl.l.ListJobs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (ctl *SyncTaskController) ReportJob(c *gin.Context) {
	var report sync_logic.JobReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "MalformedPayload", Message: "invalid json body"})
		return
	}
	jobs, err := ctl.l.ReportJob(c.Request.Context(), c.Param("id"), report)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (ctl *SyncTaskController) RunTick(c *gin.Context) {
	report, err := ctl.l.RunTick(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (ctl *SyncTaskController) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, ctl.l.Stats(statsWindow))
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, source.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, errorBody{Code: "InvalidSignature", Message: err.Error()})
		return
	case errors.Is(err, source.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, errorBody{Code: "MalformedPayload", Message: err.Error()})
		return
	}
	code := string(terr.KindOf(err))
	status := terr.StatusCode(err)
	if code == "" {
		code = "Internal"
		logrus.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
	}
	c.JSON(status, errorBody{Code: code, Message: err.Error()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("request served")
	}
}
