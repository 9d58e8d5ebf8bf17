package handler

import (
	"net/http"

	"runlog/internal/service"

	"github.com/gin-gonic/gin"
)

type ExperimentHandler struct {
	runs *service.RunStore
}

func NewExperimentHandler(runs *service.RunStore) *ExperimentHandler {
	return &ExperimentHandler{runs: runs}
}

// CreateExperiment 创建实验
func (h *ExperimentHandler) CreateExperiment(c *gin.Context) {
	var req struct {
		ExperimentName string `json:"experimentName" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	exp, err := h.runs.CreateExperiment(c.Request.Context(), req.ExperimentName)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"experiment": exp,
	})
}

// GetExperiment 按名称获取实验
func (h *ExperimentHandler) GetExperiment(c *gin.Context) {
	exp, err := h.runs.GetExperiment(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"experiment": exp,
	})
}
