package handler

import (
	"errors"
	"net/http"
	"strconv"

	"cbrf-exchange/internal/service"
	"cbrf-exchange/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type RateHandler struct {
	usecase usecase.PricingUsecase
	logger  *logrus.Logger
}

func NewRateHandler(usecase usecase.PricingUsecase, logger *logrus.Logger) *RateHandler {
	return &RateHandler{
		usecase: usecase,
		logger:  logger,
	}
}

// RegisterRoutes mounts every endpoint on r.
func (h *RateHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/currency/rate", h.GetRate)
	r.GET("/currency/rates", h.ListRates)
	r.GET("/currency/available", h.AvailableCurrencies)
	r.POST("/currency/rates/refresh", h.RefreshRates)

	r.GET("/price/convert", h.ConvertPrice)
	r.POST("/price/range", h.ConvertRange)

	r.GET("/settings", h.GetSettings)
	r.PUT("/settings/currencies", h.SaveCurrencies)
	r.PUT("/settings/ttl", h.SaveTTL)

	r.DELETE("/cache", h.Uninstall)
}

func (h *RateHandler) GetRate(c *gin.Context) {
	valCode := c.Query("val")
	if valCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required query parameter 'val'"})
		return
	}

	result, err := h.usecase.GetRate(c.Request.Context(), valCode)
	if err != nil {
		if errors.Is(err, usecase.ErrRateNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no conversion applies for " + valCode})
			return
		}
		h.fail(c, err, "Failed to get rate for val="+valCode)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *RateHandler) ListRates(c *gin.Context) {
	result, err := h.usecase.ListRates(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to list rates")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *RateHandler) AvailableCurrencies(c *gin.Context) {
	codes, err := h.usecase.AvailableCurrencies(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to get available currencies")
		return
	}
	c.JSON(http.StatusOK, gin.H{"currencies": codes})
}

func (h *RateHandler) RefreshRates(c *gin.Context) {
	result, err := h.usecase.ForceRefresh(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to refresh rates")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *RateHandler) ConvertPrice(c *gin.Context) {
	priceStr := c.Query("price")
	if priceStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required query parameter 'price'"})
		return
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'price' parameter, must be a number"})
		return
	}

	result, err := h.usecase.ConvertPrice(c.Request.Context(), price, c.Query("val"))
	if err != nil {
		h.fail(c, err, "Failed to convert price")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *RateHandler) ConvertRange(c *gin.Context) {
	var req ConvertRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.usecase.ConvertRange(c.Request.Context(), req.Prices, req.Currency)
	if err != nil {
		h.fail(c, err, "Failed to convert price range")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *RateHandler) GetSettings(c *gin.Context) {
	result, err := h.usecase.GetSettings(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to load settings")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *RateHandler) SaveCurrencies(c *gin.Context) {
	var req SaveCurrenciesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.usecase.SaveCurrencies(c.Request.Context(), req.Currencies)
	if err != nil {
		h.fail(c, err, "Failed to save currencies")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *RateHandler) SaveTTL(c *gin.Context) {
	var req SaveTTLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.usecase.SaveTTL(c.Request.Context(), req.TTLHours)
	if err != nil {
		h.fail(c, err, "Failed to save ttl")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *RateHandler) Uninstall(c *gin.Context) {
	if err := h.usecase.Uninstall(c.Request.Context()); err != nil {
		h.fail(c, err, "Failed to reset cache")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cache and settings removed"})
}

func (h *RateHandler) fail(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	h.logger.WithError(err).WithField("status", status).Error(msg)
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, usecase.ErrInvalidCharCode),
		errors.Is(err, usecase.ErrInvalidPrice),
		errors.Is(err, service.ErrInvalidCurrency),
		errors.Is(err, service.ErrCurrencyNotAvailable),
		errors.Is(err, service.ErrInvalidTTL):
		return http.StatusBadRequest
	case errors.Is(err, usecase.ErrRateNotFound):
		return http.StatusNotFound
	case service.IsUpstream(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
