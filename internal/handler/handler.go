package handler

import (
	"database/sql"
	"fmt"
	"marketplace_api/internal/auth"
	"marketplace_api/internal/cache"
	"marketplace_api/internal/config"
	"marketplace_api/internal/middleware"
	"marketplace_api/internal/observability"
	"marketplace_api/internal/product"
	"marketplace_api/internal/storage"
	"marketplace_api/internal/user"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the long-lived clients built once by the binary.
type Deps struct {
	DB       *sql.DB
	Redis    *redis.Client
	Events   product.EventPublisher
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Config   *config.Config
}

// SetupHandler initializes all dependencies and routes
func SetupHandler(deps Deps) (*gin.Engine, error) {
	cfg := deps.Config

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	images, err := storage.NewLocal(cfg.Upload.Dir, cfg.Upload.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("init image storage: %w", err)
	}

	r := gin.Default()
	r.MaxMultipartMemory = cfg.Upload.MaxBytes

	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length", "Content-Type", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}))
	r.Use(middleware.PrometheusMiddleware(deps.Metrics, "/metrics", "/health"))

	tokens := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.TTL)

	// Initialize repositories
	userRepo := user.NewUserRepository()
	productRepo := product.NewProductRepository()

	// Initialize services
	productCache := cache.NewProductCache(deps.Redis, cfg.Redis.CacheTTL)
	userService := user.NewUserService(userRepo, deps.DB, tokens, deps.Metrics, cfg.DB.QueryTimeout)
	productService := product.NewProductService(productRepo, deps.DB, productCache, deps.Events, deps.Metrics, cfg.DB.QueryTimeout)

	// Initialize controllers
	userController := user.NewUserController(userService)
	productController := product.NewProductController(productService, images)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	r.Static(storage.PublicPrefix, images.Dir())

	setupRoutes(r, routes{
		users:       userController,
		products:    productController,
		redis:       deps.Redis,
		tokens:      tokens,
		metrics:     deps.Metrics,
		requireAuth: cfg.Products.RequireAuth,
	})

	return r, nil
}

type routes struct {
	users       *user.UserController
	products    *product.ProductController
	redis       *redis.Client
	tokens      *auth.TokenService
	metrics     *observability.Metrics
	requireAuth bool
}

// setupRoutes configures all application routes
func setupRoutes(r *gin.Engine, rt routes) {
	guard := middleware.AuthMiddleware(rt.tokens, rt.metrics)
	readGuard := middleware.OptionalAuthMiddleware(rt.tokens, rt.metrics)
	if rt.requireAuth {
		readGuard = guard
	}

	strict := middleware.RateLimiterMiddleware(rt.redis, middleware.StrictRateLimiter())
	reads := middleware.RateLimiterMiddleware(rt.redis, middleware.GenerousRateLimiter())
	writes := middleware.RateLimiterMiddleware(rt.redis, middleware.DefaultRateLimiterConfig())

	// Public routes - Authentication
	authGroup := r.Group("/auth")
	{
		authGroup.POST("/register", strict, rt.users.Register)
		authGroup.POST("/login", strict, rt.users.Login)
		authGroup.GET("/me", guard, rt.users.Me)
	}

	api := r.Group("/api/v1")

	// Product reads
	public := api.Group("", readGuard, reads)
	{
		public.GET("/products", rt.products.ListProducts)
		public.GET("/products/:id", rt.products.GetProduct)
		public.GET("/users/:user_id/products", rt.products.ListUserProducts)
	}

	// Product writes
	protected := api.Group("", guard, writes)
	{
		protected.POST("/products", rt.products.CreateProduct)
		protected.PUT("/products/:id", rt.products.UpdateProduct)
		protected.PATCH("/products/:id", rt.products.UpdateProduct)
		protected.DELETE("/products/:id", rt.products.DeleteProduct)
	}
}
