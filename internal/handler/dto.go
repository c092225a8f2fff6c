package handler

type ConvertRangeRequest struct {
	Prices   []float64 `json:"prices" binding:"required,min=1,dive,gte=0"`
	Currency string    `json:"currency"`
}

type SaveCurrenciesRequest struct {
	Currencies []string `json:"currencies" binding:"required"`
}

type SaveTTLRequest struct {
	TTLHours int `json:"ttl_hours" binding:"required,gt=0"`
}
