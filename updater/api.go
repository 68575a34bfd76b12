package updater

import (
	"context"
	"errors"
	"net/http"
	"time"

	"vertexcentric/database"

	"github.com/gin-gonic/gin"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

type createUpdaterRequest struct {
	Name        string  `json:"name"`
	Vertex      float64 `json:"vertex"`
	Context     float64 `json:"context"`
	StepsPerRun int     `json:"stepsPerRun"`
}

type setUpdateRequest struct {
	Program string `json:"program"`
}

type grpcMultiplexer struct {
	*grpcweb.WrappedGrpcServer
}

// Handler routes grpc-web requests to the gRPC server and everything else
// to next.
func (m *grpcMultiplexer) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if m.IsGrpcWebRequest(r) {
				m.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		},
	)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownUpdater), errors.Is(err, database.ErrResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpdaterExists), errors.Is(err, ErrNoUpdate):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrUnknownProgram), errors.Is(err, ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoWorkers):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(ctx *gin.Context, err error) {
	ctx.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func (c *Coord) ListWorkers(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"workers": c.Workers()})
}

func (c *Coord) ListPrograms(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"programs": c.programs.Names()})
}

func (c *Coord) PostJob(ctx *gin.Context) {
	var job Job
	if err := ctx.ShouldBindJSON(&job); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := c.StartJob(ctx.Request.Context(), job)
	if err != nil {
		ctx.JSON(errorStatus(err), result)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

func (c *Coord) GetJob(ctx *gin.Context) {
	result, err := c.JobResult(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, result)
}

func (c *Coord) ListUpdaters(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"updaters": c.registry.List()})
}

func (c *Coord) CreateUpdater(ctx *gin.Context) {
	var req createUpdaterRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := c.registry.Create(req.Name, req.Vertex, req.Context, req.StepsPerRun)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, view)
}

func (c *Coord) GetUpdater(ctx *gin.Context) {
	view, err := c.registry.Get(ctx.Param("name"))
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

func (c *Coord) DeleteUpdater(ctx *gin.Context) {
	if err := c.registry.Delete(ctx.Param("name")); err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (c *Coord) SetUpdaterProgram(ctx *gin.Context) {
	var req setUpdateRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := c.registry.SetProgram(ctx.Param("name"), req.Program)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

func (c *Coord) RunUpdater(ctx *gin.Context) {
	view, err := c.registry.Run(ctx.Request.Context(), ctx.Param("name"))
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

// Router builds the external HTTP API.
func (c *Coord) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), c.requestLogger())

	externalAPI := router.Group("/api")
	{
		externalAPI.GET("/workers", c.ListWorkers)
		externalAPI.GET("/programs", c.ListPrograms)

		externalAPI.POST("/jobs", c.PostJob)
		externalAPI.GET("/jobs/:id", c.GetJob)

		externalAPI.GET("/updaters", c.ListUpdaters)
		externalAPI.POST("/updaters", c.CreateUpdater)
		externalAPI.GET("/updaters/:name", c.GetUpdater)
		externalAPI.DELETE("/updaters/:name", c.DeleteUpdater)
		externalAPI.PUT("/updaters/:name/update", c.SetUpdaterProgram)
		externalAPI.POST("/updaters/:name/run", c.RunUpdater)
	}
	return router
}

func (c *Coord) requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		c.logger.Debug(
			"http request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

// Handler serves the HTTP API and grpc-web calls to grpcServer on one
// listener.
func (c *Coord) Handler(grpcServer *grpc.Server) http.Handler {
	multiplex := grpcMultiplexer{grpcweb.WrapServer(grpcServer)}
	return multiplex.Handler(c.Router())
}

func (c *Coord) serveExternalAPI(ctx context.Context, grpcServer *grpc.Server) error {
	srv := &http.Server{
		Addr:              c.config.ExternalAPIListenAddr,
		Handler:           c.Handler(grpcServer),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	c.logger.Info("listening for external requests", zap.String("addr", c.config.ExternalAPIListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
