package cbr

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/sirupsen/logrus"
)

const DefaultURL = "http://cbr.ru/scripts/XML_daily.asp"

var (
	ErrEmptyBody = errors.New("empty response body")
	ErrStatus    = errors.New("unexpected response status")
)

type Client struct {
	httpClient *http.Client
	url        string
	logger     *logrus.Logger
}

func NewClient(url string, timeout time.Duration, logger *logrus.Logger) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
			},
		},
		url:    url,
		logger: logger,
	}
}

func (c *Client) URL() string {
	return c.url
}

func (c *Client) FetchDocument(ctx context.Context) (*ValCurs, error) {
	c.logger.Infof("Fetching rates from URL: %s", c.url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		c.logger.Errorf("Failed to create request: %v", err)
		return nil, fmt.Errorf("create request: %w", err)
	}

	// the feed rejects requests without a browser-like user agent
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	req.Header.Set("Accept", "application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Errorf("Failed to fetch feed: %v", err)
		return nil, fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debugf("Response status: %d", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Errorf("Feed responded with status %d", resp.StatusCode)
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Errorf("Failed to read response body: %v", err)
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(body) == 0 {
		c.logger.Error("Empty response body from CBR")
		return nil, ErrEmptyBody
	}

	c.logger.Debugf("Response body length: %d bytes", len(body))

	valCurs, err := Decode(bytes.NewReader(body))
	if err != nil {
		c.logger.Errorf("Failed to parse XML CBR: %v", err)
		c.logger.Debugf("First 500 chars: %s", string(body)[:min(500, len(body))])
		return nil, err
	}

	c.logger.Infof("Decoded feed dated %s with %d currencies", valCurs.Date, len(valCurs.Valutes))
	return valCurs, nil
}

// Decode reads a ValCurs document, transcoding windows-1251 when declared.
func Decode(r io.Reader) (*ValCurs, error) {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "windows-1251", "cp1251":
			return charmap.Windows1251.NewDecoder().Reader(input), nil
		case "utf-8", "":
			return input, nil
		}
		return nil, fmt.Errorf("unsupported charset: %s", charset)
	}

	var valCurs ValCurs
	if err := decoder.Decode(&valCurs); err != nil {
		return nil, fmt.Errorf("parse XML: %w", err)
	}
	return &valCurs, nil
}
