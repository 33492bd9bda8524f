// Package tika 提供了一个与 Apache Tika 服务器交互的客户端。
package tika

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"docuvector-go/internal/config"
	"docuvector-go/pkg/errs"
)

// Client 是 Tika 服务器的客户端。
type Client struct {
	serverURL string
	http      *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例，ServerURL 为空时返回 nil。
func NewClient(cfg config.TikaConfig, httpClient *http.Client) *Client {
	if cfg.ServerURL == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{serverURL: strings.TrimRight(cfg.ServerURL, "/"), http: httpClient}
}

// ExtractText 自动根据文件后缀推断 MIME 类型，并调用 Tika 提取文本。
func (c *Client) ExtractText(ctx context.Context, fileReader io.Reader, fileName string) (string, error) {
	const op = "tika.extract"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+"/tika", fileReader)
	if err != nil {
		return "", errs.E(errs.Configuration, op, fmt.Errorf("创建请求失败: %w", err))
	}
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("Content-Type", detectMimeType(fileName))

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errs.E(errs.TransientService, op, fmt.Errorf("调用 Tika 失败: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.E(errs.TransientService, op, fmt.Errorf("读取 Tika 响应失败: %w", err))
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return string(body), nil
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusUnsupportedMediaType:
		return "", errs.Errorf(errs.InvalidInput, op, "Tika 无法解析 %s [%d]: %s", fileName, resp.StatusCode, body)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", errs.Errorf(errs.TransientService, op, "Tika 返回错误 [%d]: %s", resp.StatusCode, body)
	default:
		return "", errs.Errorf(errs.PermanentService, op, "Tika 返回错误 [%d]: %s", resp.StatusCode, body)
	}
}

// detectMimeType 根据文件扩展名判断 Content-Type
func detectMimeType(fileName string) string {
	if mimeType := mime.TypeByExtension(filepath.Ext(fileName)); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}
