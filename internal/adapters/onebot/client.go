package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChaceQC/napcat-plugin-pixiv/internal/infra/metrics"
)

// Client вызывает HTTP API NapCat.
type Client struct {
	http        *http.Client
	baseURL     string
	accessToken string
	log         zerolog.Logger
}

// NewClient создаёт клиента NapCat.
func NewClient(baseURL, accessToken string, logger zerolog.Logger) *Client {
	return &Client{
		http:        &http.Client{Timeout: 30 * time.Second},
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		log:         logger,
	}
}

// SendGroupMessage отправляет обычное сообщение в группу.
func (c *Client) SendGroupMessage(ctx context.Context, groupID int64, segments []Segment) error {
	return c.call(ctx, "send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  segments,
	})
}

// SendPrivateMessage отправляет обычное сообщение в личный диалог.
func (c *Client) SendPrivateMessage(ctx context.Context, userID int64, segments []Segment) error {
	return c.call(ctx, "send_private_msg", map[string]any{
		"user_id": userID,
		"message": segments,
	})
}

// SendGroupForward отправляет пересылаемую подборку в группу.
func (c *Client) SendGroupForward(ctx context.Context, groupID int64, nodes []Node) error {
	return c.call(ctx, "send_group_forward_msg", map[string]any{
		"group_id": groupID,
		"messages": nodes,
	})
}

// SendPrivateForward отправляет пересылаемую подборку в личный диалог.
func (c *Client) SendPrivateForward(ctx context.Context, userID int64, nodes []Node) error {
	return c.call(ctx, "send_private_forward_msg", map[string]any{
		"user_id":  userID,
		"messages": nodes,
	})
}

func (c *Client) call(ctx context.Context, action string, params any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("onebot: сериализация %s: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("onebot: построение запроса %s: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("onebot", action, start, err)
		return fmt.Errorf("onebot: запрос %s: %w", action, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("onebot", action, start, err)
		return fmt.Errorf("onebot: чтение ответа %s: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("onebot: %s: неожиданный статус %d", action, resp.StatusCode)
		metrics.ObserveNetworkRequest("onebot", action, start, err)
		return err
	}
	var result struct {
		Status  string `json:"status"`
		Retcode int    `json:"retcode"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		metrics.ObserveNetworkRequest("onebot", action, start, err)
		return fmt.Errorf("onebot: разбор ответа %s: %w", action, err)
	}
	if result.Status == "failed" || result.Retcode != 0 {
		err = fmt.Errorf("onebot: %s: retcode %d %s", action, result.Retcode, result.Message)
		metrics.ObserveNetworkRequest("onebot", action, start, err)
		return err
	}
	metrics.ObserveNetworkRequest("onebot", action, start, nil)
	return nil
}
