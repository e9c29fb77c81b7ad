// Package arcgis is a feature-service client covering what the sync needs:
// portal token generation, layer metadata, attribute queries, attachment
// listing and download, and batch applyEdits write-back. ArcGIS reports API
// failures inside 200 bodies, so every decode checks the embedded error.
package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdsource-scripts/cityworks-sync/internal/models"
)

type Client struct {
	PortalURL  string
	HTTPClient *http.Client
	Logger     zerolog.Logger

	token string
}

func New(portalURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		PortalURL:  strings.TrimRight(portalURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger,
	}
}

// Connect generates a portal token for the given credentials and caches it
// for the run.
func (c *Client) Connect(ctx context.Context, user, password string) error {
	params := url.Values{
		"username":   {user},
		"password":   {password},
		"referer":    {c.PortalURL},
		"expiration": {"60"},
		"f":          {"json"},
	}

	var resp tokenResponse
	if err := c.postForm(ctx, c.PortalURL+"/sharing/rest/generateToken", params, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("arcgis token: %s", resp.Error.Message)
	}
	c.token = resp.Token
	c.Logger.Debug().Msg("arcgis token acquired")
	return nil
}

// Layer binds the client to one feature-layer or table URL.
func (c *Client) Layer(layerURL string) *Layer {
	return &Layer{client: c, URL: strings.TrimRight(layerURL, "/")}
}

type Layer struct {
	client *Client
	URL    string
}

// Info fetches the layer metadata (name, object-id field, relationships).
func (l *Layer) Info(ctx context.Context) (LayerInfo, error) {
	var info LayerInfo
	if err := l.client.getJSON(ctx, l.URL, url.Values{}, &info); err != nil {
		return LayerInfo{}, err
	}
	if info.Error != nil {
		return LayerInfo{}, fmt.Errorf("layer metadata %s: %s", l.URL, info.Error.Message)
	}
	return info, nil
}

// Query returns all features matching the where clause. When outSR is
// non-zero, geometries are reprojected into it.
func (l *Layer) Query(ctx context.Context, where string, outSR int) ([]models.Feature, error) {
	params := url.Values{
		"where":          {where},
		"outFields":      {"*"},
		"returnGeometry": {"true"},
	}
	if outSR != 0 {
		params.Set("outSR", strconv.Itoa(outSR))
	}

	var resp queryResponse
	if err := l.client.getJSON(ctx, l.URL+"/query", params, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("query %s where %q: %s", l.URL, where, resp.Error.Message)
	}
	if resp.ExceededTransferLimit {
		l.client.Logger.Warn().Str("layer", l.URL).Msg("query exceeded transfer limit, results may be incomplete")
	}
	return resp.Features, nil
}

// Attachments lists the attachments on one feature.
func (l *Layer) Attachments(ctx context.Context, objectID int64) ([]models.Attachment, error) {
	var resp attachmentsResponse
	if err := l.client.getJSON(ctx,
		fmt.Sprintf("%s/%d/attachments", l.URL, objectID), url.Values{}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("attachments for %d: %s", objectID, resp.Error.Message)
	}
	return resp.AttachmentInfos, nil
}

// Download writes one attachment into dir and returns the local path. The
// caller owns the file and removes it after forwarding.
func (l *Layer) Download(ctx context.Context, objectID int64, att models.Attachment, dir string) (string, error) {
	u := fmt.Sprintf("%s/%d/attachments/%d", l.URL, objectID, att.ID)
	params := url.Values{}
	if l.client.token != "" {
		params.Set("token", l.client.token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := l.client.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download attachment %d: %w", att.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download attachment %d: HTTP %s", att.ID, resp.Status)
	}

	name := att.Name
	if name == "" {
		name = strconv.Itoa(att.ID)
	}
	path := filepath.Join(dir, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// ApplyEdits submits a batch of updated features and returns the per-feature
// results.
func (l *Layer) ApplyEdits(ctx context.Context, updates []models.Feature) ([]models.EditResult, error) {
	encoded, err := json.Marshal(updates)
	if err != nil {
		return nil, fmt.Errorf("encode updates: %w", err)
	}
	params := url.Values{
		"updates": {string(encoded)},
		"f":       {"json"},
	}
	if l.client.token != "" {
		params.Set("token", l.client.token)
	}

	var resp editResponse
	if err := l.client.postForm(ctx, l.URL+"/applyEdits", params, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("applyEdits %s: %s", l.URL, resp.Error.Message)
	}

	results := make([]models.EditResult, 0, len(resp.UpdateResults))
	for _, r := range resp.UpdateResults {
		res := models.EditResult{ObjectID: r.ObjectID, Success: r.Success}
		if r.Error != nil {
			res.Error = r.Error.Message
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	params.Set("f", "json")
	if c.token != "" {
		params.Set("token", c.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, rawURL string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("arcgis %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.Logger.Debug().
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("arcgis call")

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("arcgis %s: HTTP %s", req.URL.Path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("arcgis %s: decode response: %w", req.URL.Path, err)
	}
	return nil
}
