package model

import "time"

// Rect is a pixel-space rectangle with the origin in the upper-left corner.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// IsEmpty reports whether the rectangle has non-positive dimensions.
func (r Rect) IsEmpty() bool { return r.Width <= 0 || r.Height <= 0 }

// Intersects reports whether r and o overlap.
func (r Rect) Intersects(o Rect) bool {
	return r.X < o.X+o.Width && o.X < r.X+r.Width &&
		r.Y < o.Y+o.Height && o.Y < r.Y+r.Height
}

// Contains reports whether the point (x, y) lies inside r.
func (r Rect) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height
}

// Document is one ingested input document.
type Document struct {
	ID        string    `json:"id"`
	VendorID  string    `json:"vendor_id,omitempty"`
	MIME      string    `json:"mime"`
	InputRef  Ref       `json:"input_ref"`
	PageCount int       `json:"page_count"`
	HasText   bool      `json:"has_text_layer"`
	CreatedAt time.Time `json:"created_at"`
}

// Page is one rasterized page of a document.
type Page struct {
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Ref        Ref    `json:"ref"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	// Rotation is the coarse rotation detected and corrected, in degrees
	// clockwise, one of 0, 90, 180, 270.
	Rotation int `json:"rotation"`
	// SkewDegrees is the residual small-angle skew corrected after the
	// coarse rotation.
	SkewDegrees float64 `json:"skew_degrees"`
	DPI         int     `json:"dpi"`
}

// Variant is one preprocessed rendering of a page.
type Variant struct {
	ID        string  `json:"id"`
	PageIndex int     `json:"page_index"`
	Ref       Ref     `json:"ref"`
	Transform string  `json:"transform"`
	Params    string  `json:"params,omitempty"`
	Readiness float64 `json:"readiness"`
	// HighRes marks variants rendered at or above the configured base DPI;
	// it drives source weighting during resolution.
	HighRes bool `json:"high_res"`
}

// ZoneType classifies the semantic role of a page region.
type ZoneType string

const (
	ZoneHeaderFields   ZoneType = "header_fields"
	ZoneTotalsBox      ZoneType = "totals_box"
	ZoneLineItemsTable ZoneType = "line_items_table"
	ZoneFooter         ZoneType = "footer"
	ZoneNoise          ZoneType = "noise"
	ZoneUnclassified   ZoneType = "unclassified"
)

// Zone is a semantically typed region of a page, the scheduling unit for OCR.
type Zone struct {
	ID        string   `json:"id"`
	PageIndex int      `json:"page_index"`
	Ref       Ref      `json:"ref"`
	Bounds    Rect     `json:"bounds"`
	Type      ZoneType `json:"type"`
	// Masked zones are excluded from OCR scheduling entirely.
	Masked     bool   `json:"masked"`
	MaskReason string `json:"mask_reason,omitempty"`
}

// TextSpan locates a piece of source text: which page, where on it, and
// which extracted text it covers.
type TextSpan struct {
	PageIndex int    `json:"page_index"`
	Bounds    Rect   `json:"bounds"`
	Text      string `json:"text"`
}
