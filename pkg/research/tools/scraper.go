package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultOCRURL = "https://api.mistral.ai/v1/ocr"

type PdfScrapeResponsePage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type OcrResponse struct {
	Pages []PdfScrapeResponsePage `json:"pages"`
}

// PDFScraper extracts PDF text through the Mistral OCR API
type PDFScraper struct {
	APIKey  string
	BaseURL string
	Model   string
	Client  *http.Client
}

// NewPDFScraper creates a scraper using apiKey
func NewPDFScraper(apiKey string) *PDFScraper {
	return &PDFScraper{
		APIKey:  apiKey,
		BaseURL: defaultOCRURL,
		Model:   "mistral-ocr-latest",
		Client:  http.DefaultClient,
	}
}

// ScrapePDF returns the markdown of every page, in page order
func (p *PDFScraper) ScrapePDF(ctx context.Context, url string) (string, error) {
	if p.APIKey == "" {
		return "", fmt.Errorf("MISTRAL_API_KEY is not set")
	}
	url = strings.Replace(url, "http://", "https://", 1)

	reqBody := map[string]interface{}{
		"model": p.Model,
		"document": map[string]string{
			"type":         "document_url",
			"document_url": url,
		},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request body: %w", err)
	}
	clientReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	clientReq.Header.Set("Content-Type", "application/json")
	clientReq.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(clientReq)
	if err != nil {
		countRequest("mistral_ocr", "error")
		return "", fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		countRequest("mistral_ocr", "error")
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		countRequest("mistral_ocr", "error")
		return "", fmt.Errorf("API request failed with status: %s, body: %s", resp.Status, truncate(string(body), 200))
	}
	countRequest("mistral_ocr", "ok")

	var ocrResponse OcrResponse
	if err := json.Unmarshal(body, &ocrResponse); err != nil {
		return "", fmt.Errorf("failed to unmarshal OCR response: %w", err)
	}

	var sb strings.Builder
	for _, page := range ocrResponse.Pages {
		sb.WriteString(page.Markdown)
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String()), nil
}
