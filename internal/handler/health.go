package handler

import (
	"github.com/gin-gonic/gin"

	"subaccount-core/internal/handler/response"
)

// HealthCheck 返回服务状态
// @Summary Check system health
// @Description Get the current health status of the server
// @Tags system
// @Produce json
// @Success 200 {object} response.Response
// @Router /health [get]
func HealthCheck(c *gin.Context) {
	response.Success(c, gin.H{
		"status":  "UP",
		"version": "1.0.0",
		"service": "subaccount-server",
	})
}
