// Package platform wraps the remote messaging platform's membership and
// moderation API behind a uniform interface. Every failure leaving this
// package is a *errors.StandardError whose Retryable flag drives the
// dispatcher's retry policy.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"membergate/internal/common/config"
	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
)

// Client is the uniform interface over the remote platform.
type Client interface {
	// CheckMembership reports whether the user currently belongs to the
	// broadcast channel.
	CheckMembership(ctx context.Context, channelID, userID int64) (bool, error)

	// Restrict revokes the user's posting rights in the chat.
	Restrict(ctx context.Context, chatID, userID int64) error

	// Unrestrict restores the user's posting rights in the chat.
	Unrestrict(ctx context.Context, chatID, userID int64) error
}

// member statuses reported by the platform that count as belonging.
var memberStatuses = map[string]bool{
	"creator":       true,
	"administrator": true,
	"member":        true,
	"restricted":    true,
}

type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

type chatMemberResult struct {
	Status string `json:"status"`
}

// HTTPClient is the production Client implementation.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logger.Logger
}

// NewHTTPClient creates a platform client from configuration.
func NewHTTPClient(cfg config.PlatformConfig, log logger.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.GetTimeout(),
		},
		logger: log.WithFields(map[string]interface{}{"component": "platform-client"}),
	}
}

// CheckMembership calls getChatMember and maps the reported status to a
// boolean membership state.
func (c *HTTPClient) CheckMembership(ctx context.Context, channelID, userID int64) (bool, error) {
	payload := map[string]interface{}{
		"chat_id": channelID,
		"user_id": userID,
	}

	env, err := c.call(ctx, "getChatMember", payload)
	if err != nil {
		return false, err
	}

	var member chatMemberResult
	if err := json.Unmarshal(env.Result, &member); err != nil {
		return false, errors.NewRemoteBadRequestError("getChatMember", fmt.Sprintf("unparseable result: %v", err))
	}

	return memberStatuses[member.Status], nil
}

// Restrict calls restrictChatMember, revoking send permissions.
func (c *HTTPClient) Restrict(ctx context.Context, chatID, userID int64) error {
	payload := map[string]interface{}{
		"chat_id":           chatID,
		"user_id":           userID,
		"can_send_messages": false,
	}
	_, err := c.call(ctx, "restrictChatMember", payload)
	return err
}

// Unrestrict calls unrestrictChatMember, restoring send permissions.
func (c *HTTPClient) Unrestrict(ctx context.Context, chatID, userID int64) error {
	payload := map[string]interface{}{
		"chat_id":           chatID,
		"user_id":           userID,
		"can_send_messages": true,
	}
	_, err := c.call(ctx, "unrestrictChatMember", payload)
	return err
}

func (c *HTTPClient) call(ctx context.Context, operation string, payload map[string]interface{}) (*apiEnvelope, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, operation)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewRemoteBadRequestError(operation, fmt.Sprintf("marshal payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.NewRemoteBadRequestError(operation, fmt.Sprintf("build request: %v", err))
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewRemoteUnavailableError(operation, resp.StatusCode, fmt.Sprintf("read body: %v", err))
	}

	var env apiEnvelope
	if len(body) > 0 {
		// A malformed body on a failure status still classifies below.
		_ = json.Unmarshal(body, &env)
	}

	if resp.StatusCode == http.StatusOK && env.OK {
		return &env, nil
	}

	return nil, c.classifyResponse(operation, resp.StatusCode, &env, body)
}

// classifyResponse turns a non-success platform reply into a classified
// error. This mapping is the single source of truth for retryability.
func (c *HTTPClient) classifyResponse(operation string, status int, env *apiEnvelope, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return errors.NewRemoteThrottledError(operation, retryAfter)

	case status >= 500:
		return errors.NewRemoteUnavailableError(operation, status, string(body))

	case status == http.StatusForbidden:
		return errors.NewRemoteForbiddenError(operation, env.Description)

	case status == http.StatusNotFound:
		return errors.NewRemoteNotFoundError(operation, env.Description)

	default:
		return errors.NewRemoteBadRequestError(operation,
			fmt.Sprintf("status: %d, description: %s", status, env.Description))
	}
}

func classifyTransportError(operation string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewRemoteTimeoutError(operation)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewRemoteTimeoutError(operation)
	}
	return errors.NewRemoteUnavailableError(operation, 0, err.Error())
}
