package feishusdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// SendText posts a plain text message to chatID and returns the message id.
func (c *Client) SendText(ctx context.Context, chatID, text string) (string, error) {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("feishu: encode text content: %w", err)
	}
	return c.createMessage(ctx, chatID, larkim.MsgTypeText, string(content))
}

// SendFile posts a previously uploaded file (by key) to chatID.
func (c *Client) SendFile(ctx context.Context, chatID, fileKey string) (string, error) {
	fileKey = strings.TrimSpace(fileKey)
	if fileKey == "" {
		return "", errors.New("feishu: file key is empty")
	}
	content, err := json.Marshal(map[string]string{"file_key": fileKey})
	if err != nil {
		return "", fmt.Errorf("feishu: encode file content: %w", err)
	}
	return c.createMessage(ctx, chatID, larkim.MsgTypeFile, string(content))
}

// UploadFile uploads a spreadsheet as an IM file and returns its file key.
func (c *Client) UploadFile(ctx context.Context, fileName string, content io.Reader) (string, error) {
	if c == nil || c.files == nil {
		return "", errors.New("feishu: client is nil")
	}
	fileName = filepath.Base(strings.TrimSpace(fileName))
	if fileName == "" || fileName == "." {
		return "", errors.New("feishu: file name is empty")
	}
	if content == nil {
		return "", errors.New("feishu: upload content is empty")
	}
	req := larkim.NewCreateFileReqBuilder().
		Body(larkim.NewCreateFileReqBodyBuilder().
			FileType(larkim.FileTypeXls).
			FileName(fileName).
			File(content).
			Build()).
		Build()
	resp, err := c.files.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("feishu: upload file %s: %w", fileName, err)
	}
	if resp == nil {
		return "", errors.New("feishu: empty response when uploading file")
	}
	if !resp.Success() {
		return "", fmt.Errorf("feishu: upload file %s failed code=%d msg=%s", fileName, resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.FileKey == nil || *resp.Data.FileKey == "" {
		return "", errors.New("feishu: file key missing in upload response")
	}
	return *resp.Data.FileKey, nil
}

func (c *Client) createMessage(ctx context.Context, chatID, msgType, content string) (string, error) {
	if c == nil || c.messages == nil {
		return "", errors.New("feishu: client is nil")
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return "", errors.New("feishu: chat id is empty")
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType(msgType).
			Content(content).
			Uuid(c.messageUUID()).
			Build()).
		Build()
	resp, err := c.messages.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("feishu: send %s message: %w", msgType, err)
	}
	if resp == nil {
		return "", errors.New("feishu: empty response when sending message")
	}
	if !resp.Success() {
		return "", fmt.Errorf("feishu: send %s message failed code=%d msg=%s", msgType, resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.MessageId == nil {
		return "", nil
	}
	return *resp.Data.MessageId, nil
}

func (c *Client) messageUUID() string {
	if c.newUUID != nil {
		return c.newUUID()
	}
	return uuid.NewString()
}
