package notify

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ofdreport/ReportAgent/internal/feishusdk"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Lark group chats accept about five bot messages per second.
const (
	defaultLarkRate  = 4
	defaultLarkBurst = 2
)

// LarkSink posts progress and the finished report to one Lark chat.
type LarkSink struct {
	chatID  string
	client  larkClient
	limiter *rate.Limiter
}

type larkClient interface {
	SendText(ctx context.Context, chatID, text string) (string, error)
	SendFile(ctx context.Context, chatID, fileKey string) (string, error)
	UploadFile(ctx context.Context, fileName string, content io.Reader) (string, error)
}

// clientAdapter narrows feishusdk.Client to larkClient.
type clientAdapter struct {
	c *feishusdk.Client
}

func (a clientAdapter) SendText(ctx context.Context, chatID, text string) (string, error) {
	return a.c.SendText(ctx, chatID, text)
}

func (a clientAdapter) SendFile(ctx context.Context, chatID, fileKey string) (string, error) {
	return a.c.SendFile(ctx, chatID, fileKey)
}

func (a clientAdapter) UploadFile(ctx context.Context, fileName string, content io.Reader) (string, error) {
	return a.c.UploadFile(ctx, fileName, content)
}

// NewLarkSink builds a sink for chatID on top of an IM client.
func NewLarkSink(client *feishusdk.Client, chatID string) (*LarkSink, error) {
	if client == nil {
		return nil, errors.New("lark sink: client is nil")
	}
	return newLarkSink(clientAdapter{c: client}, chatID)
}

func newLarkSink(client larkClient, chatID string) (*LarkSink, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, errors.New("lark sink: chat id is empty")
	}
	return &LarkSink{
		chatID:  chatID,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(defaultLarkRate), defaultLarkBurst),
	}, nil
}

func (s *LarkSink) SendText(ctx context.Context, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "lark sink: rate limit wait")
	}
	start := time.Now()
	if _, err := s.client.SendText(ctx, s.chatID, text); err != nil {
		return errors.Wrap(err, "lark sink: send text")
	}
	log.Debug().Str("chat_id", s.chatID).Dur("elapsed", time.Since(start)).Msg("lark message sent")
	return nil
}

// SendFile uploads the spreadsheet and posts it as a file message.
func (s *LarkSink) SendFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "lark sink: open %s", path)
	}
	defer f.Close()

	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "lark sink: rate limit wait")
	}
	key, err := s.client.UploadFile(ctx, f.Name(), f)
	if err != nil {
		return errors.Wrap(err, "lark sink: upload report")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "lark sink: rate limit wait")
	}
	if _, err := s.client.SendFile(ctx, s.chatID, key); err != nil {
		return errors.Wrap(err, "lark sink: send report")
	}
	log.Info().Str("chat_id", s.chatID).Str("file", path).Msg("report delivered to lark chat")
	return nil
}
