package jobs

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/sudwebd/3d-to-svg/internal/pkg/errors"
)

// Form field names of the render parameters.
const (
	FieldViewX     = "viewx"
	FieldViewY     = "viewy"
	FieldViewZ     = "viewz"
	FieldHeight    = "height"
	FieldWidth     = "width"
	FieldRotationX = "rotationx"
	FieldRotationY = "rotationy"
	FieldRotationZ = "rotationz"
)

// RenderParams are the numeric inputs of one conversion.
type RenderParams struct {
	ViewX     float64 `json:"viewx"`
	ViewY     float64 `json:"viewy"`
	ViewZ     float64 `json:"viewz"`
	Height    float64 `json:"height"`
	Width     float64 `json:"width"`
	RotationX float64 `json:"rotationx"`
	RotationY float64 `json:"rotationy"`
	RotationZ float64 `json:"rotationz"`
}

// DefaultParams mirrors the renderer's own defaults.
func DefaultParams() RenderParams {
	return RenderParams{Height: 100, Width: 100}
}

// ParseParams reads the eight fields through get (for example
// r.FormValue). Absent or blank fields keep their defaults.
func ParseParams(get func(string) string) (RenderParams, error) {
	p := DefaultParams()

	fields := []struct {
		name string
		dst  *float64
	}{
		{FieldViewX, &p.ViewX},
		{FieldViewY, &p.ViewY},
		{FieldViewZ, &p.ViewZ},
		{FieldHeight, &p.Height},
		{FieldWidth, &p.Width},
		{FieldRotationX, &p.RotationX},
		{FieldRotationY, &p.RotationY},
		{FieldRotationZ, &p.RotationZ},
	}

	for _, f := range fields {
		raw := strings.TrimSpace(get(f.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return RenderParams{}, apperrors.ValidationField(f.name,
				fmt.Sprintf("%s must be a finite number", f.name))
		}
		*f.dst = v
	}

	if p.Height <= 0 {
		return RenderParams{}, apperrors.ValidationField(FieldHeight, "height must be greater than zero")
	}
	if p.Width <= 0 {
		return RenderParams{}, apperrors.ValidationField(FieldWidth, "width must be greater than zero")
	}

	return p, nil
}

// FormatNumber renders v in its shortest round-trip form.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Key identifies a parameter set, used to coalesce identical dispatches.
func (p RenderParams) Key() string {
	vals := []float64{p.ViewX, p.ViewY, p.ViewZ, p.Height, p.Width, p.RotationX, p.RotationY, p.RotationZ}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = FormatNumber(v)
	}
	return strings.Join(parts, ",")
}
