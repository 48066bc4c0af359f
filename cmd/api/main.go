package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/advisory"
	"presence/internal/auth"
	"presence/internal/config"
	"presence/internal/device"
	"presence/internal/geo"
	"presence/internal/httpmiddleware"
	"presence/internal/metrics"
	"presence/internal/session"
	"presence/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	feed := store.NewFeed(cfg.RedisAddr, cfg.FeedChannel)

	var st store.Store
	storePing := func(context.Context) error { return nil }
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
		storePing = pg.Ping
	default:
		st = store.NewMemory()
	}

	var devices device.Registry
	if feed.Healthy(ctx) {
		devices = device.NewRedis(feed.Client(), "")
		detach := feed.Attach(ctx, st,
			session.CollectionSessions, session.CollectionRecords, session.CollectionArchives)
		defer detach()
	} else {
		log.Println("redis not reachable, using in-process device registry and no cross-process feed")
		devices = device.NewMemory()
	}

	engine := session.NewEngine(st, devices, nil)
	if err := engine.RebuildDeviceUsage(ctx); err != nil {
		log.Printf("device usage rebuild failed: %v", err)
	}

	advisor := advisory.New(cfg.AdvisoryURL, cfg.AdvisorySkip)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Middleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", healthz(cfg.StoreBackend, storePing, feed.Healthy))

	// Dev token endpoint standing in for the external identity provider.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			Subject string `json:"subject" binding:"required"`
			Role    string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Role != auth.RoleOperator && req.Role != auth.RoleParticipant {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be operator or participant"})
			return
		}
		token, expiresAt, err := auth.Issue(req.Subject, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.TokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": expiresAt.Unix()})
	})

	authed := r.Group("/v1", auth.Authenticate(cfg.JWTSigningKey, cfg.JWTIssuer))

	authed.GET("/sessions/live", func(c *gin.Context) {
		sess, err := engine.Live(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		if auth.From(c).Role != auth.RoleOperator {
			// Participants never see the rotating codes.
			sess.Codes = nil
		}
		c.JSON(http.StatusOK, sess)
	})

	authed.GET("/sessions/watch", func(c *gin.Context) {
		watchSession(c, st)
	})

	authed.POST("/scans", func(c *gin.Context) {
		var req struct {
			Code     string  `json:"code" binding:"required"`
			Lat      float64 `json:"lat"`
			Lng      float64 `json:"lng"`
			DeviceID string  `json:"device_id" binding:"required"`
			PhotoURL string  `json:"photo_url"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		personID := auth.From(c).ID
		loc := geo.Point{Lat: req.Lat, Lng: req.Lng}
		res, err := engine.SubmitScan(c.Request.Context(), personID, req.Code, loc, req.DeviceID, req.PhotoURL)
		if err != nil {
			if rej, ok := session.AsRejection(err); ok {
				metrics.ScansTotal.WithLabelValues(string(rej.Reason)).Inc()
			}
			respondError(c, err)
			return
		}
		if res.AlreadyScanned {
			metrics.ScansTotal.WithLabelValues("already_scanned").Inc()
			c.JSON(http.StatusOK, gin.H{"already_scanned": true, "status": res.Status, "minutes_late": res.MinutesLate})
			return
		}
		metrics.ScansTotal.WithLabelValues("accepted").Inc()
		c.JSON(http.StatusOK, gin.H{"status": res.Status, "minutes_late": res.MinutesLate})
	})

	authed.POST("/corrections", func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := engine.RequestCorrection(c.Request.Context(), auth.From(c).ID, req.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		metrics.CorrectionsTotal.WithLabelValues("requested").Inc()
		c.JSON(http.StatusOK, rec)
	})

	operator := authed.Group("", auth.Require(auth.RoleOperator))

	operator.POST("/sessions/start", func(c *gin.Context) {
		var req struct {
			Config session.Config   `json:"config" binding:"required"`
			Roster []session.Person `json:"roster" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := engine.Start(c.Request.Context(), req.Config, req.Roster)
		if err != nil {
			respondError(c, err)
			return
		}
		metrics.SessionsStarted.Inc()
		c.JSON(http.StatusCreated, sess)
	})

	operator.POST("/sessions/next-phase", func(c *gin.Context) {
		sess, err := engine.ActivateNextPhase(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	operator.POST("/sessions/end", func(c *gin.Context) {
		archiveID, err := engine.End(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		metrics.SessionsArchived.Inc()
		c.JSON(http.StatusOK, gin.H{"archive_id": archiveID})
	})

	operator.GET("/sessions/live/records", func(c *gin.Context) {
		records, err := engine.LiveRecords(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	operator.GET("/sessions/advice", func(c *gin.Context) {
		signals, err := buildSignals(c.Request.Context(), engine)
		if err != nil {
			respondError(c, err)
			return
		}
		suggestion, err := advisor.SuggestTiming(c.Request.Context(), signals)
		if err != nil {
			// Advisory output is optional; its failure never fails the caller.
			log.Printf("advisory unavailable: %v", err)
			c.JSON(http.StatusOK, gin.H{"suggestion": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"suggestion": suggestion})
	})

	operator.POST("/corrections/:personID/resolve", func(c *gin.Context) {
		var req struct {
			Approve *bool `json:"approve" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := engine.ResolveCorrection(c.Request.Context(), c.Param("personID"), *req.Approve)
		if err != nil {
			respondError(c, err)
			return
		}
		if *req.Approve {
			metrics.CorrectionsTotal.WithLabelValues("approved").Inc()
		} else {
			metrics.CorrectionsTotal.WithLabelValues("denied").Inc()
		}
		c.JSON(http.StatusOK, rec)
	})

	operator.GET("/archives", func(c *gin.Context) {
		sessions, err := engine.Archives(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"archives": sessions})
	})

	operator.GET("/archives/:id", func(c *gin.Context) {
		sess, records, err := engine.Archive(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": sess, "records": records})
	})

	operator.POST("/archives/:id/records/:personID/status", func(c *gin.Context) {
		var req struct {
			Status session.FinalStatus `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := engine.OverrideArchivedStatus(c.Request.Context(), c.Param("id"), c.Param("personID"), req.Status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// healthz reports store and redis health independently. Only the store
// is load-bearing; losing redis degrades to in-process mode and never
// fails the check.
func healthz(backend string, storePing func(context.Context) error, redisUp func(context.Context) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		storeErr := storePing(c.Request.Context())
		redisHealthy := redisUp(c.Request.Context())

		status := http.StatusOK
		overall := "ok"
		if storeErr != nil {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		c.JSON(status, gin.H{
			"status": overall,
			"store":  gin.H{"backend": backend, "healthy": storeErr == nil},
			"redis":  gin.H{"healthy": redisHealthy},
		})
	}
}

// buildSignals summarizes the live session for the advisory service.
func buildSignals(ctx context.Context, engine *session.Engine) (advisory.Signals, error) {
	sess, err := engine.Live(ctx)
	if err != nil {
		return advisory.Signals{}, err
	}
	records, err := engine.LiveRecords(ctx)
	if err != nil {
		return advisory.Signals{}, err
	}
	scanned := 0
	for _, rec := range records {
		if rec.Scans[sess.Phase-1].Status != session.SlotAbsent {
			scanned++
		}
	}
	fraction := 0.0
	if len(records) > 0 {
		fraction = float64(scanned) / float64(len(records))
	}
	return advisory.Signals{
		Phase:            sess.Phase,
		TotalPhases:      sess.TotalPhases,
		ElapsedMinutes:   time.Since(sess.StartTime).Minutes(),
		ScannedFraction:  fraction,
		LateAfterMinutes: sess.LatePolicy[sess.Phase-1],
	}, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// watchSession streams live session and record changes to an observer
// over a websocket until the client disconnects.
func watchSession(c *gin.Context, st store.Store) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	changes := make(chan store.Change, 64)
	push := func(ch store.Change) {
		select {
		case changes <- ch:
		default: // slow observer, drop rather than block writers
		}
	}
	cancelSessions := st.Subscribe(session.CollectionSessions, push)
	defer cancelSessions()
	cancelRecords := st.Subscribe(session.CollectionRecords, push)
	defer cancelRecords()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ch := <-changes:
			if err := conn.WriteJSON(ch); err != nil {
				return
			}
		case <-done:
			return
		}
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
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

// respondError maps engine errors onto HTTP statuses. Scan rejections
// carry their reason code so clients can render them verbatim.
func respondError(c *gin.Context, err error) {
	if rej, ok := session.AsRejection(err); ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": rej.Message, "reason": rej.Reason})
		return
	}
	switch {
	case errors.Is(err, session.ErrNoLiveSession),
		errors.Is(err, session.ErrRecordNotFound),
		errors.Is(err, session.ErrArchiveNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrSessionExists),
		errors.Is(err, session.ErrSessionEnded),
		errors.Is(err, session.ErrNoMorePhases),
		errors.Is(err, session.ErrNoPendingCorrection):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNoRoster), errors.Is(err, session.ErrLocationUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
