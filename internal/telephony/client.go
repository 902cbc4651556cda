package telephony

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"wisefido-wearable/internal/models"
)

// MessageRequest 短信发送请求
type MessageRequest struct {
	From          string `json:"from,omitempty"`
	To            string `json:"to"`
	Body          string `json:"body"`
	CorrelationID string `json:"correlation_id"` // 送达回调时原样返回
}

// CallRequest 语音呼叫请求
type CallRequest struct {
	From          string `json:"from,omitempty"`
	To            string `json:"to"`
	CorrelationID string `json:"correlation_id"`
}

// GatewayResponse 网关响应
type GatewayResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"` // queued / sent / failed
	Error  string `json:"error,omitempty"`
}

// DeliveryReport 送达回调
type DeliveryReport struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"` // delivered / failed
}

// Delivered 是否已送达
func (r DeliveryReport) Delivered() bool {
	return r.Status == "delivered"
}

// Client 电话网关客户端（短信 + 语音）
// 不做自动重试：网关已受理但响应丢失时重试会产生重复短信/呼叫
type Client struct {
	httpClient *resty.Client
	from       string
	logger     *zap.Logger
}

// NewClient 创建电话网关客户端
func NewClient(baseURL, apiKey, fromNumber string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &Client{
		httpClient: client,
		from:       fromNumber,
		logger:     logger,
	}
}

// SendText 发送短信，网关受理即视为 SENT
func (c *Client) SendText(ctx context.Context, correlationID string, msg models.AlertMessage) error {
	req := MessageRequest{
		From:          c.from,
		To:            msg.DestinationNumber,
		Body:          msg.Text,
		CorrelationID: correlationID,
	}
	if err := c.post(ctx, "/v1/messages", req, correlationID); err != nil {
		return fmt.Errorf("%w: %v", models.ErrMessageSendFailed, err)
	}
	return nil
}

// PlaceCall 发起语音呼叫
func (c *Client) PlaceCall(ctx context.Context, correlationID, number string) error {
	req := CallRequest{
		From:          c.from,
		To:            number,
		CorrelationID: correlationID,
	}
	if err := c.post(ctx, "/v1/calls", req, correlationID); err != nil {
		return fmt.Errorf("failed to place call: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, correlationID string) error {
	var result GatewayResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post(path)
	if err != nil {
		c.logger.Error("Telephony gateway call failed",
			zap.String("path", path),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return err
	}

	if resp.IsError() || result.Status == "failed" {
		c.logger.Error("Telephony gateway rejected request",
			zap.String("path", path),
			zap.String("correlation_id", correlationID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("error", result.Error),
		)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode(), result.Error)
	}

	c.logger.Info("Telephony gateway accepted request",
		zap.String("path", path),
		zap.String("correlation_id", correlationID),
		zap.String("gateway_id", result.ID),
	)
	return nil
}
