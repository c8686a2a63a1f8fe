package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	qrcode "github.com/skip2/go-qrcode"

	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/config"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/queue"
	"geoattend/internal/store"
)

var checkins = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "geoattend_checkins_total",
	Help: "Check-in attempts by outcome.",
}, []string{"outcome"})

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "geoattend:checkins")
	}

	repo := attendance.NewRepository(db.Client)
	svc := attendance.NewService(repo, repo, repo, cfg.MaxTokenAge)
	ctx := context.Background()

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	v1 := r.Group("/v1", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	teaching := v1.Group("", auth.RequireRole(auth.RoleTeaching))

	teaching.POST("/sessions", func(c *gin.Context) {
		var req struct {
			ClassroomID string  `json:"classroom_id" binding:"required"`
			SubjectID   *string `json:"subject_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		teacherID := auth.FromContext(c).Subject
		sess, err := svc.StartSession(c.Request.Context(), teacherID, req.ClassroomID, req.SubjectID)
		if err != nil {
			writeError(c, err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"session":       sess,
			"token":         sess.CurrentToken,
			"issued_at":     sess.TokenIssuedAt,
			"rotate_every":  cfg.RotateHint.Seconds(),
			"max_token_age": cfg.MaxTokenAge.Seconds(),
		})
	})

	teaching.POST("/sessions/:id/rotate", func(c *gin.Context) {
		teacherID := auth.FromContext(c).Subject
		tok, issuedAt, err := svc.RotateToken(c.Request.Context(), teacherID, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": tok, "issued_at": issuedAt})
	})

	teaching.POST("/sessions/:id/end", func(c *gin.Context) {
		teacherID := auth.FromContext(c).Subject
		if err := svc.EndSession(c.Request.Context(), teacherID, c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	teaching.GET("/sessions/active", func(c *gin.Context) {
		teacherID := auth.FromContext(c).Subject
		sess, err := svc.ActiveSession(c.Request.Context(), teacherID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil {
			c.JSON(http.StatusOK, gin.H{"session": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session":   sess,
			"token":     sess.CurrentToken,
			"issued_at": sess.TokenIssuedAt,
		})
	})

	teaching.GET("/sessions/:id/attendance", func(c *gin.Context) {
		records, err := svc.Attendance(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// Counter maintained by the worker; falls back to the list length
		// when redis is cold.
		count, err := redisClient.PresentCount(c.Request.Context(), c.Param("id"))
		if err != nil || count < int64(len(records)) {
			count = int64(len(records))
		}
		c.JSON(http.StatusOK, gin.H{"records": records, "present": count})
	})

	// QR image for the currently displayed token; the payload is the JSON
	// the student client expects to scan.
	teaching.GET("/sessions/:id/qr.png", func(c *gin.Context) {
		teacherID := auth.FromContext(c).Subject
		sess, err := repo.SessionByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil {
			writeError(c, attendance.ErrSessionNotFound)
			return
		}
		if sess.TeacherID != teacherID {
			writeError(c, attendance.ErrNotSessionOwner)
			return
		}
		if !sess.IsActive {
			writeError(c, attendance.ErrSessionEnded)
			return
		}

		payload, _ := json.Marshal(gin.H{"token": sess.CurrentToken})
		png, err := qrcode.Encode(string(payload), qrcode.Medium, 512)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr encode failed"})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "image/png", png)
	})

	teaching.GET("/sessions/history", func(c *gin.Context) {
		teacherID := auth.FromContext(c).Subject
		limit := 100
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		sessions, err := repo.TeacherSessions(c.Request.Context(), teacherID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	student := v1.Group("", auth.RequireRole(auth.RoleStudent))

	student.POST("/checkins", func(c *gin.Context) {
		var req struct {
			Token string   `json:"token" binding:"required"`
			Lat   *float64 `json:"lat" binding:"required"`
			Lng   *float64 `json:"lng" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		studentID := auth.FromContext(c).Subject
		rec, room, err := svc.CheckIn(c.Request.Context(), studentID, req.Token, *req.Lat, *req.Lng)
		if err != nil {
			var domErr *attendance.Error
			if errors.As(err, &domErr) {
				checkins.WithLabelValues(string(domErr.Kind)).Inc()
			} else {
				checkins.WithLabelValues("storage_error").Inc()
			}
			writeError(c, err)
			return
		}
		checkins.WithLabelValues("accepted").Inc()

		if err := q.Publish(ctx, queue.Message{Type: queue.TypeAttendanceMarked, Body: []byte(rec.SessionID)}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}

		c.JSON(http.StatusCreated, gin.H{
			"record":     rec,
			"classroom":  room,
			"distance_m": rec.DistanceM,
		})
	})

	student.GET("/attendance/history", func(c *gin.Context) {
		studentID := auth.FromContext(c).Subject
		limit := 50
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		history, err := repo.StudentHistory(c.Request.Context(), studentID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": history})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// writeError maps domain rejections to HTTP statuses; anything else is an
// infrastructure failure and must not masquerade as a domain outcome.
func writeError(c *gin.Context, err error) {
	var domErr *attendance.Error
	if !errors.As(err, &domErr) {
		log.Printf("storage error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": domErr.Message, "kind": domErr.Kind}
	if domErr.Kind == attendance.KindOutOfRange {
		body["distance_m"] = domErr.DistanceM
		body["radius_m"] = domErr.RadiusM
	}
	c.JSON(statusForKind(domErr.Kind), body)
}

func statusForKind(kind attendance.Kind) int {
	switch kind {
	case attendance.KindInvalidToken, attendance.KindSessionMissing:
		return http.StatusNotFound
	case attendance.KindSessionEnded, attendance.KindExpiredToken:
		return http.StatusGone
	case attendance.KindAlreadyMarked, attendance.KindClassroomBusy:
		return http.StatusConflict
	case attendance.KindNotEnrolled, attendance.KindForbidden:
		return http.StatusForbidden
	case attendance.KindOutOfRange, attendance.KindLocationUnset:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
