package ocr

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
	"github.com/rotisserie/eris"

	"github.com/ledgerline/invoicescan/internal/model"
)

// Tesseract runs recognition through the gosseract client. Each call builds
// its own client; the client is not safe to share.
type Tesseract struct {
	clientFactory func() *gosseract.Client
}

// NewTesseract constructs the Tesseract-backed engine.
func NewTesseract() *Tesseract {
	return &Tesseract{clientFactory: gosseract.NewClient}
}

func (t *Tesseract) Name() string { return "tesseract" }

// Recognize OCRs a single zone crop into positioned word tokens.
func (t *Tesseract) Recognize(ctx context.Context, in Input) ([]model.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := t.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(in.Image); err != nil {
		return nil, &EngineError{Engine: t.Name(), Err: eris.Wrap(err, "set image")}
	}
	if langs := in.Config.Languages; len(langs) > 0 {
		if err := c.SetLanguage(langs...); err != nil {
			return nil, &EngineError{Engine: t.Name(), Err: eris.Wrap(err, "set languages")}
		}
	}
	if in.Config.DPI > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(in.Config.DPI)); err != nil {
			return nil, &EngineError{Engine: t.Name(), Err: eris.Wrap(err, "set dpi")}
		}
	}
	for k, v := range in.Config.Options {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return nil, &EngineError{Engine: t.Name(), Err: eris.Wrapf(err, "set option %s", k)}
		}
	}

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, &EngineError{Engine: t.Name(), Err: eris.Wrap(err, "bounding boxes")}
	}

	tokens := make([]model.Token, 0, len(boxes))
	for _, b := range boxes {
		if b.Word == "" {
			continue
		}
		tokens = append(tokens, model.Token{
			Text: b.Word,
			Bounds: model.Rect{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
			Confidence: b.Confidence / 100.0,
		})
	}
	return tokens, nil
}
