package detect

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPRunner invokes a model-serving endpoint over HTTP. The serving
// process owns weights and GPU scheduling; one runner per model
// reference, shareable across workers because the server serialises
// its own batching.
type HTTPRunner struct {
	client *resty.Client
	model  string
}

// inferResponse is the serving endpoint's wire format
type inferResponse struct {
	Detections []struct {
		Label string  `json:"label"`
		Conf  float64 `json:"conf"`
		X1    float64 `json:"x1"`
		Y1    float64 `json:"y1"`
		X2    float64 `json:"x2"`
		Y2    float64 `json:"y2"`
	} `json:"detections"`
}

// NewHTTPRunner creates a runner for one model on a serving base URL
func NewHTTPRunner(baseURL, model string, timeout time.Duration) *HTTPRunner {
	return &HTTPRunner{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
		model: model,
	}
}

// Infer posts the frame as JPEG and returns the decoded boxes
func (r *HTTPRunner) Infer(ctx context.Context, img image.Image) ([]RawBox, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var out inferResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/jpeg").
		SetQueryParam("model", r.model).
		SetBody(buf.Bytes()).
		SetResult(&out).
		Post("/v1/infer")
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("inference status %d: %s", resp.StatusCode(), resp.String())
	}

	boxes := make([]RawBox, 0, len(out.Detections))
	for _, d := range out.Detections {
		boxes = append(boxes, RawBox{
			Label: d.Label,
			Conf:  d.Conf,
			X1:    d.X1,
			Y1:    d.Y1,
			X2:    d.X2,
			Y2:    d.Y2,
		})
	}
	return boxes, nil
}

// HTTPOCR invokes an OCR endpoint on the same serving process
type HTTPOCR struct {
	client *resty.Client
	engine string
	lang   string
}

// ocrResponse is the OCR endpoint's wire format
type ocrResponse struct {
	Text string  `json:"text"`
	Conf float64 `json:"conf"`
}

// NewHTTPOCR creates an OCR client for one engine and language
func NewHTTPOCR(baseURL, engine, lang string, timeout time.Duration) *HTTPOCR {
	return &HTTPOCR{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
		engine: engine,
		lang:   lang,
	}
}

// Recognize posts the cropped plate as JPEG and returns the read
func (o *HTTPOCR) Recognize(ctx context.Context, img image.Image) (OCRResult, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return OCRResult{}, fmt.Errorf("encode crop: %w", err)
	}

	var out ocrResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/jpeg").
		SetQueryParam("engine", o.engine).
		SetQueryParam("lang", o.lang).
		SetBody(buf.Bytes()).
		SetResult(&out).
		Post("/v1/ocr")
	if err != nil {
		return OCRResult{}, fmt.Errorf("ocr request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return OCRResult{}, fmt.Errorf("ocr status %d: %s", resp.StatusCode(), resp.String())
	}

	return OCRResult{Text: out.Text, Conf: out.Conf}, nil
}
