package sync2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matrix-org/sync-client/internal"
)

var ClientVersion = ""

// The /sync long-poll may continue beyond its timeout= and wedge forever, so
// every request carries a local watchdog of timeout= plus this buffer.
const BufferPeriod = 80 * time.Second

// Client is the HTTP surface the sync engine drives. One client can be shared
// between the engine and the to-device queue.
type Client interface {
	// DoSyncV2 performs one /sync request. A zero timeout asks the server to
	// return immediately, used to drain backlog after reconnection.
	DoSyncV2(ctx context.Context, accessToken string, req *SyncRequest) (*SyncResponse, error)
	// Versions hits the lightweight /versions endpoint to probe whether the
	// server is reachable at all.
	Versions(ctx context.Context) error
	// GetPushRules fetches the account's full notification rule set.
	GetPushRules(ctx context.Context, accessToken string) (json.RawMessage, error)
	// GetOrCreateFilter uploads a filter definition and returns the
	// server-assigned filter ID.
	GetOrCreateFilter(ctx context.Context, accessToken, userID string, filter json.RawMessage) (string, error)
	// SendToDevice delivers one batch of device-targeted messages under the
	// given transaction ID. messages maps user ID -> device ID -> payload.
	SendToDevice(ctx context.Context, accessToken, eventType, txnID string, messages map[string]map[string]json.RawMessage) error
}

// SyncRequest is the parameter set for a single /sync request.
type SyncRequest struct {
	FilterID    string
	Since       string
	Timeout     time.Duration
	SetPresence string // e.g "offline", empty to omit
}

// HTTPClient talks to a real homeserver over the Client-Server API.
type HTTPClient struct {
	Client            *http.Client
	DestinationServer string
}

// NewHTTPClient makes a client for the given homeserver, which is either an
// http(s) base URL or an absolute path to a unix socket.
func NewHTTPClient(destinationServer string) *HTTPClient {
	hsURL := internal.HomeServerUrl{HttpOrUnixStr: destinationServer}
	client := &http.Client{}
	if hsURL.IsUnixSocket() {
		client.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", hsURL.GetUnixSocket())
			},
		}
	}
	return &HTTPClient{
		Client:            client,
		DestinationServer: hsURL.GetBaseUrl(),
	}
}

func (v *HTTPClient) DoSyncV2(ctx context.Context, accessToken string, sr *SyncRequest) (*SyncResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, sr.Timeout+BufferPeriod)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", v.createSyncURL(sr), nil)
	if err != nil {
		return nil, fmt.Errorf("DoSyncV2: NewRequest failed: %w", err)
	}
	v.setHeaders(req, accessToken)
	res, err := v.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("DoSyncV2: request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return nil, parseMatrixError(res)
	}
	var svr SyncResponse
	if err := json.NewDecoder(res.Body).Decode(&svr); err != nil {
		return nil, fmt.Errorf("DoSyncV2: response body decode JSON failed: %w", err)
	}
	return &svr, nil
}

func (v *HTTPClient) createSyncURL(sr *SyncRequest) string {
	qps := url.Values{}
	qps.Set("timeout", strconv.FormatInt(sr.Timeout.Milliseconds(), 10))
	if sr.FilterID != "" {
		qps.Set("filter", sr.FilterID)
	}
	if sr.SetPresence != "" {
		qps.Set("set_presence", sr.SetPresence)
	}
	if sr.Since != "" {
		qps.Set("since", sr.Since)
	} else {
		// cachebuster for initial syncs so we never get a stale response
		qps.Set("_cacheBuster", strconv.FormatInt(time.Now().UnixNano(), 10))
	}
	return v.DestinationServer + "/_matrix/client/r0/sync?" + qps.Encode()
}

func (v *HTTPClient) Versions(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", v.DestinationServer+"/_matrix/client/versions", nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "sync-client-"+ClientVersion)
	res, err := v.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return parseMatrixError(res)
	}
	return nil
}

func (v *HTTPClient) GetPushRules(ctx context.Context, accessToken string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", v.DestinationServer+"/_matrix/client/r0/pushrules/", nil)
	if err != nil {
		return nil, err
	}
	v.setHeaders(req, accessToken)
	res, err := v.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return nil, parseMatrixError(res)
	}
	return io.ReadAll(res.Body)
}

func (v *HTTPClient) GetOrCreateFilter(ctx context.Context, accessToken, userID string, filter json.RawMessage) (string, error) {
	u := v.DestinationServer + "/_matrix/client/r0/user/" + url.PathEscape(userID) + "/filter"
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(filter))
	if err != nil {
		return "", err
	}
	v.setHeaders(req, accessToken)
	req.Header.Set("Content-Type", "application/json")
	res, err := v.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return "", parseMatrixError(res)
	}
	var body struct {
		FilterID string `json:"filter_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("GetOrCreateFilter: response body decode JSON failed: %w", err)
	}
	return body.FilterID, nil
}

func (v *HTTPClient) SendToDevice(ctx context.Context, accessToken, eventType, txnID string, messages map[string]map[string]json.RawMessage) error {
	body, err := json.Marshal(struct {
		Messages map[string]map[string]json.RawMessage `json:"messages"`
	}{messages})
	if err != nil {
		return fmt.Errorf("SendToDevice: failed to marshal messages: %w", err)
	}
	u := v.DestinationServer + "/_matrix/client/r0/sendToDevice/" + url.PathEscape(eventType) + "/" + url.PathEscape(txnID)
	req, err := http.NewRequestWithContext(ctx, "PUT", u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	v.setHeaders(req, accessToken)
	req.Header.Set("Content-Type", "application/json")
	res, err := v.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return parseMatrixError(res)
	}
	return nil
}

func (v *HTTPClient) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("User-Agent", "sync-client-"+ClientVersion)
	req.Header.Set("Authorization", "Bearer "+accessToken)
}

// parseMatrixError turns a non-200 response into a typed error, pulling out
// the standard errcode/error fields when the body carries them.
func parseMatrixError(res *http.Response) error {
	merr := &internal.MatrixError{
		HTTPStatus: res.StatusCode,
	}
	body, err := io.ReadAll(res.Body)
	if err == nil {
		_ = json.Unmarshal(body, merr)
	}
	if merr.Message == "" {
		merr.Message = res.Status
	}
	return merr
}
