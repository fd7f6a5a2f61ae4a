package output

import (
	"context"
	"fmt"
	"io"

	"github.com/opscart/k8s-idle-optimizer/pkg/models"
)

// Handler defines the interface for output formatting
type Handler interface {
	DisplayRecommendations(ctx context.Context, recommendations []*models.ScalingRecommendation) error
	DisplayAnalysis(ctx context.Context, analysis *models.IdleAnalysis) error
	DisplayResult(ctx context.Context, result *models.ScalingResult) error
	DisplaySummary(ctx context.Context, totalSavings float64, count int) error
	Format() string
}

// New returns the handler for format, writing to w
func New(format string, w io.Writer) (Handler, error) {
	switch format {
	case "text", "":
		return NewTextHandler(w), nil
	case "json":
		return NewJSONHandler(w), nil
	default:
		return nil, fmt.Errorf("unknown output format: %s (want text or json)", format)
	}
}
