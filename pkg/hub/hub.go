/*
Copyright 2023 The FlakeHub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package hub implements the Reserve → Upload → Commit state machine that
// publishes one release's snapshot bytes to the Hub.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/flakehub/flakehub-push-core/pkg/release"
	"github.com/flakehub/flakehub-push-core/pkg/rerror"
)

// State is a release's position in the Reserve → Upload → Commit state
// machine.
type State string

const (
	StateInit      State = "Init"
	StateReserved  State = "Reserved"
	StateUploaded  State = "Uploaded"
	StateCommitted State = "Committed"
	StateFailed    State = "Failed"
	StateConflict  State = "Conflict"
)

const (
	uploadRetryMax = 3
	requestTimeout = 60 * time.Second
)

// Client drives one release through the state machine. A Client is
// single-use and scoped to exactly one release, which keeps at most one
// publish in flight per (owner, project, version) within a process.
type Client struct {
	Host            string
	Token           string
	ErrorOnConflict bool

	httpClient *retryablehttp.Client
	state      State
	uploadURL  string
}

// NewClient builds a Client for one release.
func NewClient(host, token string, errorOnConflict bool) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 5
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 8 * time.Second
	rc.HTTPClient.Timeout = requestTimeout

	return &Client{
		Host:            host,
		Token:           token,
		ErrorOnConflict: errorOnConflict,
		httpClient:      rc,
		state:           StateInit,
	}
}

// State returns the client's current state, for the orchestrator's
// ordering checks and logging.
func (c *Client) State() State { return c.state }

type reserveResponse struct {
	UploadURL string `json:"uploadUrl"`
}

// CommitResult is the Hub's response to a successful Commit.
type CommitResult struct {
	FlakerefExact   string `json:"flakeref_exact"`
	FlakerefAtLeast string `json:"flakeref_at_least"`
}

// Reserve asks the Hub for a presigned upload URL, with metadata marshaled
// as the request body. A 409 is either terminal (error-on-conflict) or
// treated as the release already being committed.
func (c *Client) Reserve(ctx context.Context, id release.Identity, snapshot *release.Snapshot, metadata *release.Metadata) error {
	if c.state != StateInit {
		return rerror.New(rerror.Internal, "Reserve called out of order")
	}

	body, err := json.Marshal(metadata)
	if err != nil {
		return rerror.Wrap(err, rerror.Internal, "encoding release metadata")
	}

	url := fmt.Sprintf("%s/upload/%s/%s/%s/%d/%s", c.Host, id.Owner, id.Project, id.Version, snapshot.Length, snapshot.Digest)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return rerror.Wrap(err, rerror.Internal, "building reserve request")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rerror.Wrap(err, rerror.NetworkError, "reserving release")
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var parsed reserveResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return rerror.Wrap(err, rerror.ServerError, "parsing reserve response")
		}
		c.uploadURL = parsed.UploadURL
		c.state = StateReserved
		return nil

	case resp.StatusCode == http.StatusConflict:
		if c.ErrorOnConflict {
			c.state = StateConflict
			return rerror.New(rerror.ReserveConflict, "release already exists and error-on-conflict is set")
		}
		c.state = StateCommitted
		logrus.Infof("release %s/%s/%s already exists; treating reserve-409 as idempotent success", id.Owner, id.Project, id.Version)
		return nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.state = StateFailed
		return rerror.Newf(rerror.ClientError, "hub rejected reserve with status %d: %s", resp.StatusCode, respBody)

	default:
		c.state = StateFailed
		return rerror.Newf(rerror.ServerError, "hub reserve failed with status %d: %s", resp.StatusCode, respBody)
	}
}

// Upload PUTs the snapshot bytes to the presigned URL with integrity
// headers. Bytes stream from disk so each retry reopens the file at
// offset 0 without re-buffering in memory.
func (c *Client) Upload(ctx context.Context, snapshot *release.Snapshot) error {
	if c.state != StateReserved {
		return rerror.New(rerror.Internal, "Upload called before a successful Reserve")
	}

	var lastErr error
	for attempt := 0; attempt <= uploadRetryMax; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return rerror.Wrap(ctx.Err(), rerror.NetworkError, "upload canceled during backoff")
			}
		}

		err := c.uploadOnce(ctx, snapshot)
		if err == nil {
			c.state = StateUploaded
			return nil
		}
		if rerr, ok := err.(*rerror.Error); ok && rerr.Kind == rerror.IntegrityMismatch {
			c.state = StateFailed
			return err
		}
		lastErr = err
		logrus.Warnf("upload attempt %d/%d failed: %v", attempt+1, uploadRetryMax+1, err)
	}

	c.state = StateFailed
	return lastErr
}

func (c *Client) uploadOnce(ctx context.Context, snapshot *release.Snapshot) error {
	f, err := os.Open(snapshot.Path)
	if err != nil {
		return rerror.Wrap(err, rerror.SnapshotIO, "reopening snapshot for upload")
	}
	defer f.Close()

	var body io.Reader = f
	var bar *pb.ProgressBar
	if isatty.IsTerminal(os.Stderr.Fd()) {
		bar = pb.Full.Start64(snapshot.Length)
		bar.SetWriter(os.Stderr)
		body = bar.NewProxyReader(f)
		defer bar.Finish()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.uploadURL, body)
	if err != nil {
		return rerror.Wrap(err, rerror.Internal, "building upload request")
	}
	req.ContentLength = snapshot.Length
	req.Header.Set("Content-Length", fmt.Sprintf("%d", snapshot.Length))
	req.Header.Set("x-amz-checksum-sha256", snapshot.Digest)

	resp, err := c.httpClient.HTTPClient.Do(req)
	if err != nil {
		return rerror.Wrap(err, rerror.NetworkError, "uploading snapshot")
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusPreconditionFailed || resp.StatusCode == http.StatusConflict:
		return rerror.Newf(rerror.IntegrityMismatch, "upload digest mismatch, status %d: %s", resp.StatusCode, respBody)
	case resp.StatusCode >= 500:
		return rerror.Newf(rerror.ServerError, "upload failed with status %d: %s", resp.StatusCode, respBody)
	default:
		return rerror.Newf(rerror.ClientError, "upload failed with status %d: %s", resp.StatusCode, respBody)
	}
}

// Commit finalizes the release after a successful upload.
func (c *Client) Commit(ctx context.Context, id release.Identity) (*CommitResult, error) {
	if c.state != StateUploaded {
		if c.state == StateCommitted {
			// Idempotent path from a 409-on-reserve; nothing to commit.
			return &CommitResult{}, nil
		}
		return nil, rerror.New(rerror.Internal, "Commit called before a successful Upload")
	}

	url := fmt.Sprintf("%s/commit/%s/%s/%s", c.Host, id.Owner, id.Project, id.Version)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, rerror.Wrap(err, rerror.Internal, "building commit request")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("X-Request-Id", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, rerror.Wrap(err, rerror.NetworkError, "committing release")
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		var result CommitResult
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, rerror.Wrap(err, rerror.ServerError, "parsing commit response")
		}
		c.state = StateCommitted
		return &result, nil
	case resp.StatusCode == http.StatusNotFound:
		c.state = StateFailed
		return nil, rerror.New(rerror.ReservationLost, "reservation no longer exists at commit time")
	default:
		c.state = StateFailed
		return nil, rerror.Newf(rerror.ServerError, "commit failed with status %d: %s", resp.StatusCode, respBody)
	}
}
