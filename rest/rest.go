////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package rest implements the remote store contract over the Tern REST
// protocol: JSON CRUD over HTTP plus one WebSocket per change-feed
// subscription. Authentication is a bearer session token on every request;
// remote failures are translated from the protocol's status codes and error
// envelopes onto the shared taxonomy.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"gitlab.com/ternchat/tern-sdk/remote"
)

// Protocol paths.
const (
	rowsPath  = "/v1/rows/"
	blobsPath = "/v1/blobs/"
	feedPath  = "/v1/feed"
)

// Error messages.
const (
	parseURLErr     = "could not parse server URL %q"
	encodeBodyErr   = "could not encode request body"
	buildRequestErr = "could not build %s %s"
	doRequestErr    = "%s %s: %s"
	readBodyErr     = "could not read response body"
	decodeRowsErr   = "could not decode rows from %s"
	decodeBlobErr   = "could not decode blob response"
	statusErr       = "%s %s returned %d: %s"
)

// errorResponse is the protocol's failure envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// queryRequest is the body of a query call. The filter is the predicate in
// its JSON form; the rest mirrors QueryOpts.
type queryRequest struct {
	Filter     remote.Predicate `json:"filter,omitempty"`
	OrderBy    string           `json:"order_by,omitempty"`
	Descending bool             `json:"descending,omitempty"`
	Limit      int              `json:"limit,omitempty"`
}

// blobResponse carries the public URL of an uploaded blob.
type blobResponse struct {
	URL string `json:"url"`
}

// Store speaks the Tern REST protocol. It satisfies the remote store
// contract and is safe for concurrent use.
type Store struct {
	base  url.URL
	token string
	hc    *http.Client
	p     Params
}

// NewStore returns a store for the server at serverURL (scheme and host,
// e.g. "https://api.ternchat.example") authenticating with the given session
// token.
func NewStore(serverURL, token string, p Params) (*Store, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, errors.Wrapf(err, parseURLErr, serverURL)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")

	return &Store{
		base:  *base,
		token: token,
		hc:    &http.Client{Timeout: p.RequestTimeout},
		p:     p,
	}, nil
}

// Insert creates a row via POST /v1/rows/{kind}.
func (s *Store) Insert(ctx context.Context, kind remote.Kind,
	fields map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, encodeBodyErr)
	}
	return s.call(ctx, http.MethodPost, rowsPath+string(kind), body)
}

// Update patches a row via PATCH /v1/rows/{kind}/{id}.
func (s *Store) Update(ctx context.Context, kind remote.Kind, id string,
	fields map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, encodeBodyErr)
	}
	path := rowsPath + string(kind) + "/" + url.PathEscape(id)
	return s.call(ctx, http.MethodPatch, path, body)
}

// Query fetches matching rows via POST /v1/rows/{kind}/query.
func (s *Store) Query(ctx context.Context, kind remote.Kind,
	pred remote.Predicate, opts remote.QueryOpts) ([]json.RawMessage, error) {
	body, err := json.Marshal(queryRequest{
		Filter:     pred,
		OrderBy:    opts.OrderBy,
		Descending: opts.Descending,
		Limit:      opts.Limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, encodeBodyErr)
	}

	path := rowsPath + string(kind) + "/query"
	raw, err := s.call(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}

	var rows []json.RawMessage
	if err = json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.Wrapf(err, decodeRowsErr, path)
	}
	return rows, nil
}

// UploadBlob stores raw bytes via PUT /v1/blobs/{bucket}/{path} and returns
// the blob's public URL. Path segments are escaped individually so paths may
// contain slashes.
func (s *Store) UploadBlob(ctx context.Context, bucket, path string,
	data []byte) (string, error) {
	p := blobsPath + url.PathEscape(bucket) + "/" + escapeBlobPath(path)
	raw, err := s.do(ctx, http.MethodPut, p, bytes.NewReader(data),
		"application/octet-stream")
	if err != nil {
		return "", err
	}

	var br blobResponse
	if err = json.Unmarshal(raw, &br); err != nil {
		return "", errors.Wrap(err, decodeBlobErr)
	}
	return br.URL, nil
}

// call runs a JSON request and returns the raw 2xx response body.
func (s *Store) call(ctx context.Context, method, path string,
	body []byte) (json.RawMessage, error) {
	return s.do(ctx, method, path, bytes.NewReader(body), "application/json")
}

func (s *Store) do(ctx context.Context, method, path string, body io.Reader,
	contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(
		ctx, method, s.base.String()+path, body)
	if err != nil {
		return nil, errors.Wrapf(err, buildRequestErr, method, path)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", contentType)

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, errors.WithMessagef(remote.ErrTransport,
			doRequestErr, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, readBodyErr)
	}

	if resp.StatusCode/100 != 2 {
		return nil, decodeError(method, path, resp.StatusCode, data)
	}
	return data, nil
}

// decodeError maps a non-2xx response onto the failure taxonomy. The error
// envelope's code wins when present; otherwise the status code decides.
// Failures that fit neither pass through as plain errors.
func decodeError(method, path string, status int, body []byte) error {
	var er errorResponse
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &er); err == nil && er.Message != "" {
		msg = er.Message
	}

	sentinel := remote.FromCode(er.Code)
	if sentinel == nil {
		sentinel = sentinelForStatus(status)
	}
	if sentinel == nil {
		return errors.Errorf(statusErr, method, path, status, msg)
	}
	return errors.WithMessage(sentinel, msg)
}

func sentinelForStatus(status int) error {
	switch status {
	case http.StatusConflict:
		return remote.ErrConflict
	case http.StatusNotFound:
		return remote.ErrNotFound
	case http.StatusForbidden:
		return remote.ErrForbidden
	case http.StatusUnprocessableEntity:
		return remote.ErrValidation
	default:
		return nil
	}
}

// escapeBlobPath escapes each segment of a blob path, keeping the slashes
// that separate them.
func escapeBlobPath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
