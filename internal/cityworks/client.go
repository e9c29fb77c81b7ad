// Package cityworks is a thin client for the Cityworks AMS REST API. Every
// call is a stateless request/response exchange; the client holds only the
// base URL and the session token issued by Authenticate.
package cityworks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoSpatialReference means the user preferences payload did not carry a
// spatial reference, which the sync cannot proceed without.
var ErrNoSpatialReference = errors.New("spatial reference not defined")

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger

	token string
}

func New(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger,
	}
}

// Authenticate posts the credentials and caches the session token for the
// rest of the run. A non-zero payload status is returned as *AuthError.
func (c *Client) Authenticate(ctx context.Context, user, password string) error {
	data, _ := json.Marshal(map[string]string{"LoginName": user, "Password": password})

	var resp authResponse
	if err := c.postForm(ctx, "/Services/authentication/authenticate",
		url.Values{"data": {string(data)}}, &resp); err != nil {
		return err
	}
	if resp.Status != 0 {
		return &AuthError{Status: resp.Status, Message: resp.Message}
	}
	c.token = resp.Value.Token
	c.Logger.Debug().Msg("cityworks token acquired")
	return nil
}

// SpatialReference fetches the WKID all geometry queries must be reprojected
// to.
func (c *Client) SpatialReference(ctx context.Context) (int, error) {
	var resp preferencesResponse
	if err := c.getJSON(ctx, "/Services/AMS/Preferences/User", url.Values{}, &resp); err != nil {
		return 0, err
	}
	if resp.Value.SpatialReference == nil {
		return 0, ErrNoSpatialReference
	}
	return *resp.Value.SpatialReference, nil
}

// ProblemTypes fetches the public problem vocabulary as an upper-cased
// code to ProblemSid mapping. Any malformed entry fails the whole fetch; a
// partial vocabulary would silently skip records.
func (c *Client) ProblemTypes(ctx context.Context) (map[string]int, error) {
	data, _ := json.Marshal(map[string]string{"ForPublicOnly": "true"})

	var resp problemsResponse
	if err := c.getJSON(ctx, "/Services/AMS/ServiceRequest/Problems",
		url.Values{"data": {string(data)}}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("problem types fetch failed: %d: %s", resp.Status, resp.Message)
	}

	types := make(map[string]int, len(resp.Value))
	for _, v := range resp.Value {
		sid, err := toInt(v.ProblemSid)
		if err != nil {
			return nil, fmt.Errorf("problem type %q: %w", v.ProblemCode, err)
		}
		types[strings.ToUpper(v.ProblemCode)] = sid
	}
	return types, nil
}

// CreateRequest submits the mapped fields as a new service request and
// returns the new request id. The id is normalized to a string here; the
// service returns it as a JSON number.
func (c *Client) CreateRequest(ctx context.Context, fields map[string]any) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode request fields: %w", err)
	}

	var resp createResponse
	if err := c.postForm(ctx, "/Services/AMS/ServiceRequest/Create",
		url.Values{"data": {string(data)}}, &resp); err != nil {
		return "", err
	}
	if resp.Value.RequestID == nil {
		return "", fmt.Errorf("create request returned no RequestId (status %d: %s)", resp.Status, resp.Message)
	}
	return toString(resp.Value.RequestID), nil
}

// AddAttachment uploads a local file to the given service request and returns
// the raw status payload.
func (c *Client) AddAttachment(ctx context.Context, requestID, path string) (StatusResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("open attachment %s: %w", path, err)
	}
	defer f.Close()

	data, _ := json.Marshal(map[string]string{"RequestId": requestID})

	var body strings.Builder
	w := multipart.NewWriter(&body)
	_ = w.WriteField("token", c.token)
	_ = w.WriteField("data", string(data))
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return StatusResponse{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return StatusResponse{}, fmt.Errorf("read attachment %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return StatusResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/Services/AMS/Attachments/AddRequestAttachment", strings.NewReader(body.String()))
	if err != nil {
		return StatusResponse{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var resp StatusResponse
	if err := c.do(req, &resp); err != nil {
		return StatusResponse{}, err
	}
	return resp, nil
}

// AddComment appends a customer call to an existing request. The caller
// builds the field map, including the linking id.
func (c *Client) AddComment(ctx context.Context, fields map[string]any) (StatusResponse, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("encode comment fields: %w", err)
	}

	var resp StatusResponse
	if err := c.postForm(ctx, "/Services/AMS/CustomerCall/AddToRequest",
		url.Values{"data": {string(data)}}, &resp); err != nil {
		return StatusResponse{}, err
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if c.token != "" {
		params.Set("token", c.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, path string, params url.Values, out any) error {
	if c.token != "" {
		params.Set("token", c.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+path, strings.NewReader(params.Encode()))
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
		return fmt.Errorf("cityworks %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.Logger.Debug().
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("cityworks call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cityworks %s: HTTP %s", req.URL.Path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cityworks %s: decode response: %w", req.URL.Path, err)
	}
	return nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("non-numeric id %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("non-numeric id %v", v)
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
