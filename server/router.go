package server

import (
	"github.com/gin-gonic/gin"
	"github.com/stellar/go/support/log"
)

// RouterConfig configures SetupRouter.
type RouterConfig struct {
	// IndexFile is served at GET / when set.
	IndexFile string
	Logger    *log.Entry
}

// SetupRouter sets up the Gin router
func SetupRouter(creator TransactionCreator, driver PaymentDriver, config RouterConfig) *gin.Engine {
	if config.Logger == nil {
		config.Logger = log.DefaultLogger
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestIDMiddleware(config.Logger), CORSMiddleware())

	handlers := NewHandlers(creator, driver)

	if config.IndexFile != "" {
		router.StaticFile("/", config.IndexFile)
	}
	router.GET("/url", handlers.NewURL)
	router.POST("/send", handlers.Send)

	return router
}
