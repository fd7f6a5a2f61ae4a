package output

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// JSONHandler writes one indented JSON document per call
type JSONHandler struct {
	enc *json.Encoder
	now func() time.Time
}

func NewJSONHandler(w io.Writer) *JSONHandler {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return &JSONHandler{enc: enc, now: time.Now}
}

func (h *JSONHandler) Format() string { return "json" }

func (h *JSONHandler) DisplayRecommendations(_ context.Context, recommendations []*models.ScalingRecommendation) error {
	if recommendations == nil {
		recommendations = []*models.ScalingRecommendation{}
	}
	return h.enc.Encode(map[string]interface{}{
		"recommendations": recommendations,
		"count":           len(recommendations),
		"timestamp":       h.now().Format(time.RFC3339),
	})
}

func (h *JSONHandler) DisplayAnalysis(_ context.Context, a *models.IdleAnalysis) error {
	return h.enc.Encode(a)
}

func (h *JSONHandler) DisplayResult(_ context.Context, r *models.ScalingResult) error {
	return h.enc.Encode(r)
}

func (h *JSONHandler) DisplaySummary(_ context.Context, totalSavings float64, count int) error {
	return h.enc.Encode(map[string]interface{}{
		"scale_to_zero": count,
		"total_savings": totalSavings,
	})
}
