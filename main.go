package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cvscope/annotation"
	"cvscope/annotation/cvat"
	"cvscope/cas"
	"cvscope/controllers"
	"cvscope/deepzoom"
	"cvscope/imagetable"
	"cvscope/models"
	"cvscope/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	uuid "github.com/twinj/uuid"
	"golang.org/x/crypto/ssh/terminal"
)

// CorsMiddleware Use middleware for CORS (Cross-Origin Resource Sharing)
// TODO: Allow to get the origins from the YAML/env, this is too broad to expose to the internet.
// CORS for * origins, allowing:
// - GET, POST and DELETE methods
// - Origin header
// - Preflight requests cached for 12 hours
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin"},
		ExposeHeaders:    []string{"Content-Type, Content-Length, X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// RequestIDMiddleware Generate a UUID and attach it to each request
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		_uuid := uuid.NewV4()
		c.Writer.Header().Set("X-Request-Id", _uuid.String())
		c.Next()
	}
}

// terminalPrompter Reads the annotation server login from the terminal
type terminalPrompter struct {
	in *bufio.Reader
}

func (p terminalPrompter) Prompt(question string) (string, error) {
	fmt.Print(question)
	line, err := p.in.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p terminalPrompter) PromptPassword(question string) (string, error) {
	fmt.Print(question)
	password, err := terminal.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(password), nil
}

func (p terminalPrompter) Println(a ...interface{}) {
	fmt.Println(a...)
}

// login Interactively generate and save an annotation server token. The configured
// CVAT server, when there is one, is offered as the default.
func login(configPath string) {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	defaultURL := os.Getenv("CVAT_URL")
	if config, err := utils.NewConfig(configPath); err == nil {
		defaultURL = config.CVAT.URL
	} else {
		log.Debug("No configuration for the default CVAT server: ", err)
	}
	prompter := terminalPrompter{in: bufio.NewReader(os.Stdin)}
	if _, err := cvat.GenerateToken(context.Background(), prompter, nil, home, defaultURL); err != nil {
		log.Fatal(err)
	}
}

func main() {
	// Generate our config based on the config supplied
	// by the user in the flags
	configPath, debugMode, loginMode, err := utils.ParseFlags()
	if err != nil {
		log.Fatal(err)
	}
	if loginMode {
		login(configPath)
		return
	}

	config, err := utils.NewConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := utils.SetupLogging(config.Log); err != nil {
		log.Fatal(err)
	}
	log.Info("Starting cvscope...")

	// Debug mode enables gin-gonic debug mode
	if !debugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := models.ConnectDataBase(config.Database.Filename)
	if err != nil {
		log.Fatal(err)
	}

	casConfig := cas.Config{
		URL:      config.CAS.URL,
		Username: config.CAS.Username,
		Password: config.CAS.Password,
		Token:    config.CAS.Token,
		AuthURL:  config.CAS.AuthURL,
		ClientID: config.CAS.ClientID,
		Timeout:  config.CAS.Timeout,
	}
	session, err := cas.Connect(context.Background(), casConfig)
	if err != nil {
		log.Fatal(err)
	}

	credentials, err := annotation.NewCredentials("", "", config.CVAT.Token, "")
	if err != nil {
		log.Fatal(err)
	}
	cvatSettings := controllers.CVATSettings{
		URL:          config.CVAT.URL,
		Credentials:  credentials,
		PollInterval: config.CVAT.PollInterval,
	}

	// Decoded rows are shared by the image and deepzoom routes
	rowCache := imagetable.NewRowCache(config.Cache.SizeBytes, config.Cache.ExpirySeconds)
	// Column lookups and action set loads happen once per table and cache expiry
	tables := controllers.NewTables(session, rowCache, time.Duration(config.Cache.ExpirySeconds)*time.Second)
	// The deepzoom pyramids are cached and released once in a while.
	cache := deepzoom.NewLocalCache(time.Minute).WithMaxEntries(config.Cache.MaxPyramids)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(requestIDMiddleware())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/tuner"})))

	// Version tag to test against
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "v0.1.0",
		})
	})

	// Currently no authentication is used
	v1 := r.Group("/api/v1")
	{
		v1.GET("/projects", controllers.FindProjects(db))
		v1.GET("/projects/:id", controllers.FindProject(db))
		v1.DELETE("/projects/:id", controllers.DeleteProject(db, cvatSettings))
		v1.POST("/projects/:id/tasks", controllers.PostProjectImages(db, session, cvatSettings))
		v1.POST("/projects/:id/annotations", controllers.GetProjectAnnotations(db, session, cvatSettings))

		tableRoutes := v1.Group("/tables/:caslib/:table")
		tableRoutes.GET("/images/:n", controllers.GetImage(tables))
		tableRoutes.GET("/geometry", controllers.GetGeometry(tables))
		tableRoutes.GET("/slices/:index", controllers.GetSlice(tables))
		tableRoutes.GET("/montage.png", controllers.GetMontage(tables))
		tableRoutes.GET("/thumbnail.png", controllers.GetTableThumbnail(tables))
		tableRoutes.GET("/thumbnail.jpg", controllers.GetTableThumbnail(tables))

		// Tuning opens its own sessions
		v1.GET("/tuner/ws", controllers.TuneThreadCount(casConfig))
	}

	dzRoutes := r.Group("/deepzoom/:caslib/:table/:n")
	{
		dzRoutes.GET("/slide.dzi", controllers.GetDzi(tables, cache, config))
		dzRoutes.GET("/slide_files/:level/:location", controllers.GetTile(tables, cache, config))
		dzRoutes.GET("/thumbnail.jpg", controllers.GetDeepZoomThumbnail(tables, cache, config))
		dzRoutes.GET("/thumbnail.png", controllers.GetDeepZoomThumbnail(tables, cache, config))
	}

	addr := fmt.Sprintf(":%s", config.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		// service connections
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server with
	// a timeout of 5 seconds.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server Shutdown: ", err)
	}

	log.Info("Emptying deepzoom cache...")
	cache.StopCleanup()
	cache.EmptyCache()
	rowCache.Clear()

	if err := session.Close(ctx); err != nil {
		log.Warn("Cannot close CAS session: ", err)
	}
	log.Info("Server exiting")
}
