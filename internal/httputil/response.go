package httputil

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Page 游標分頁資訊
type Page struct {
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// SuccessResponse 成功回應結構.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Page    *Page       `json:"page,omitempty"`
}

// OK 回傳 200 與資料.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: data})
}

// Created 回傳 201 與資料.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: data})
}

// Paged 回傳分頁資料.
func Paged(c *gin.Context, data interface{}, page Page) {
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: data, Page: &page})
}
