package resolve

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/ledgerline/invoicescan/internal/model"
)

// CurvePoint maps a raw consensus confidence to a calibrated probability.
type CurvePoint struct {
	Raw float64 `yaml:"raw"`
	P   float64 `yaml:"p"`
}

// Curve is a monotone piecewise-linear calibration lookup.
type Curve []CurvePoint

// Apply interpolates the calibrated probability for raw.
func (c Curve) Apply(raw float64) float64 {
	if len(c) == 0 {
		return raw
	}
	if raw <= c[0].Raw {
		return c[0].P
	}
	for i := 1; i < len(c); i++ {
		if raw <= c[i].Raw {
			span := c[i].Raw - c[i-1].Raw
			if span == 0 {
				return c[i].P
			}
			frac := (raw - c[i-1].Raw) / span
			return c[i-1].P + frac*(c[i].P-c[i-1].P)
		}
	}
	return c[len(c)-1].P
}

// Curves holds one calibration curve per field type. Static configuration,
// versioned so recalibration is an explicit, auditable change.
type Curves struct {
	Version int                       `yaml:"version"`
	ByType  map[model.FieldType]Curve `yaml:"curves"`
}

// For returns the curve for the field type, falling back to the text curve.
func (c *Curves) For(ft model.FieldType) Curve {
	if curve, ok := c.ByType[ft]; ok {
		return curve
	}
	return c.ByType[model.FieldText]
}

// LoadCurves reads a calibration file. An empty path yields the defaults.
func LoadCurves(path string) (*Curves, error) {
	if path == "" {
		return DefaultCurves(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "resolve: read calibration curves")
	}
	var c Curves
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "resolve: parse calibration curves")
	}
	for ft, curve := range c.ByType {
		sort.SliceStable(curve, func(i, j int) bool { return curve[i].Raw < curve[j].Raw })
		c.ByType[ft] = curve
	}
	return &c, nil
}

// DefaultCurves reflects observed engine behavior: numeric shapes calibrate
// tighter than free text, dates in between.
func DefaultCurves() *Curves {
	return &Curves{
		Version: 1,
		ByType: map[model.FieldType]Curve{
			model.FieldMoney: {
				{Raw: 0, P: 0}, {Raw: 0.4, P: 0.3}, {Raw: 0.7, P: 0.75},
				{Raw: 0.85, P: 0.93}, {Raw: 1, P: 0.99},
			},
			model.FieldDate: {
				{Raw: 0, P: 0}, {Raw: 0.4, P: 0.28}, {Raw: 0.7, P: 0.7},
				{Raw: 0.85, P: 0.9}, {Raw: 1, P: 0.98},
			},
			model.FieldID: {
				{Raw: 0, P: 0}, {Raw: 0.4, P: 0.25}, {Raw: 0.7, P: 0.68},
				{Raw: 0.85, P: 0.9}, {Raw: 1, P: 0.98},
			},
			model.FieldNumber: {
				{Raw: 0, P: 0}, {Raw: 0.4, P: 0.3}, {Raw: 0.7, P: 0.72},
				{Raw: 0.85, P: 0.92}, {Raw: 1, P: 0.99},
			},
			model.FieldText: {
				{Raw: 0, P: 0}, {Raw: 0.4, P: 0.22}, {Raw: 0.7, P: 0.62},
				{Raw: 0.85, P: 0.85}, {Raw: 1, P: 0.96},
			},
		},
	}
}
