package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pollinations-tgbot-go/internal/errs"
)

// ImageRequest describes one generated picture; a nil Seed lets the service choose
type ImageRequest struct {
	Prompt string
	Width  int
	Height int
	Seed   *int64
}

// ClampDimension keeps a requested side length inside [lo, hi]
func ClampDimension(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ImageURL builds the generation URL. The same request always yields the same URL.
func (p *PollinationsAI) ImageURL(req ImageRequest) string {
	q := url.Values{}
	q.Set("width", strconv.Itoa(req.Width))
	q.Set("height", strconv.Itoa(req.Height))
	q.Set("nologo", "true")
	q.Set("model", p.cfg.ImageModel)
	if req.Seed != nil {
		q.Set("seed", strconv.FormatInt(*req.Seed, 10))
	}
	return fmt.Sprintf("%s/prompt/%s?%s", strings.TrimSuffix(p.cfg.ImageURL, "/"), url.PathEscape(req.Prompt), q.Encode())
}

// GenerateImage downloads the picture rendered for the request
func (p *PollinationsAI) GenerateImage(ctx context.Context, req ImageRequest) ([]byte, error) {
	const op = "generate_image"
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errs.New(errs.KindValidation, op, "empty prompt")
	}
	if req.Width <= 0 || req.Height <= 0 {
		return nil, errs.New(errs.KindValidation, op, "invalid dimensions")
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.ImageRequestTimeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.ImageURL(req), nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, op, err)
	}
	p.authorize(httpReq)

	data, err := p.do(httpReq, op)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errs.New(errs.KindGatewayMalformed, op, "empty image body")
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return nil, errs.New(errs.KindGatewayMalformed, op, "unexpected content type "+ct)
	}
	return data, nil
}
