package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/CZERTAINLY/manticore/internal/model"
)

const (
	uploadPath  = "api/v1/results"
	contentType = "application/x-ndjson"
)

// RepoUploader posts results to a repository.
type RepoUploader struct {
	requestURL *url.URL
	token      string
	client     *http.Client
}

func NewRepoUploader(repo model.Repository) (*RepoUploader, error) {
	parsedURL, err := url.Parse(repo.URL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = uploadPath

	c := &RepoUploader{
		requestURL: parsedURL,
		client:     &http.Client{},
	}
	switch repo.Auth.Type {
	case "", model.AuthTypeNone:
	case model.AuthTypeStaticToken:
		if repo.Auth.Token == "" {
			return nil, errors.New("repository token is empty")
		}
		c.token = repo.Auth.Token
	default:
		return nil, fmt.Errorf("unsupported repository auth type %q", repo.Auth.Type)
	}
	return c, nil
}

func (c *RepoUploader) Upload(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	createResp, err := c.decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "results uploaded successfully",
		slog.String("id", createResp.ID),
		slog.Int("records", createResp.Records))

	return nil
}

type CreateResponse struct {
	ID      string `json:"id"`
	Records int    `json:"records"`
}

func (c *RepoUploader) decodeUploadResponse(resp *http.Response) (CreateResponse, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return CreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if contentType != "application/json" {
			return CreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		var cr CreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if cr.ID == "" {
			return CreateResponse{}, errors.New("received unexpected body")
		}
		return cr, nil

	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusUnsupportedMediaType:
		if contentType != "application/problem+json" {
			return CreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", contentType)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return CreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CreateResponse{}, err
	}
	return CreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
