package feishusdk

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ofdreport/ReportAgent/internal/env"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

const (
	defaultBaseURL     = "https://open.feishu.cn"
	defaultHTTPTimeout = 60 * time.Second
)

// imMessageAPI is the subset of the SDK message service the bot uses.
type imMessageAPI interface {
	Create(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)
}

// imFileAPI is the subset of the SDK file service the bot uses.
type imFileAPI interface {
	Create(ctx context.Context, req *larkim.CreateFileReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateFileResp, error)
}

// Credentials identify the bot application.
type Credentials struct {
	AppID     string
	AppSecret string
	BaseURL   string
}

// Client wraps the Lark IM APIs the report bot needs: text messages and
// spreadsheet attachments to a single chat.
type Client struct {
	baseURL    string
	larkClient *lark.Client

	messages imMessageAPI
	files    imFileAPI

	// used for mock test
	newUUID func() string
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Required variables:
//   - FEISHU_APP_ID
//   - FEISHU_APP_SECRET
//
// Optional variables:
//   - FEISHU_BASE_URL (defaults to https://open.feishu.cn)
func NewClientFromEnv() (*Client, error) {
	return NewClient(Credentials{
		AppID:     env.String("FEISHU_APP_ID", ""),
		AppSecret: env.String("FEISHU_APP_SECRET", ""),
		BaseURL:   env.String("FEISHU_BASE_URL", ""),
	})
}

// NewClient constructs a Client from explicit credentials.
func NewClient(creds Credentials) (*Client, error) {
	appID := strings.TrimSpace(creds.AppID)
	appSecret := strings.TrimSpace(creds.AppSecret)
	if appID == "" || appSecret == "" {
		return nil, errors.New("feishu: FEISHU_APP_ID and FEISHU_APP_SECRET must be set")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
		lark.WithReqTimeout(defaultHTTPTimeout),
	}
	if baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(appID, appSecret, opts...)

	return &Client{
		baseURL:    baseURL,
		larkClient: client,
		messages:   client.Im.V1.Message,
		files:      client.Im.V1.File,
	}, nil
}

// BaseURL returns the open platform endpoint the client talks to.
func (c *Client) BaseURL() string {
	if c == nil {
		return ""
	}
	return c.baseURL
}
