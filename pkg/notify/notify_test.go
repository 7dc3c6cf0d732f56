package notify

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type fakeLark struct {
	mu       sync.Mutex
	texts    []string
	uploaded []string
	sent     []string
	fail     error
}

func (f *fakeLark) SendText(ctx context.Context, chatID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.texts = append(f.texts, chatID+":"+text)
	return "om", nil
}

func (f *fakeLark) SendFile(ctx context.Context, chatID, fileKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+":"+fileKey)
	return "om", nil
}

func (f *fakeLark) UploadFile(ctx context.Context, fileName string, content io.Reader) (string, error) {
	raw, _ := io.ReadAll(content)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, filepath.Base(fileName)+"="+string(raw))
	return "key-1", nil
}

func TestLarkSinkSendsTextAndFile(t *testing.T) {
	fake := &fakeLark{}
	sink, err := newLarkSink(fake, " oc_1 ")
	if err != nil {
		t.Fatalf("newLarkSink: %v", err)
	}
	ctx := context.Background()
	if err := sink.SendText(ctx, "1/2. Данные от OFD.ru получены."); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	report := filepath.Join(t.TempDir(), "report.xlsx")
	if err := os.WriteFile(report, []byte("xlsx"), 0o644); err != nil {
		t.Fatalf("write report: %v", err)
	}
	if err := sink.SendFile(ctx, report); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if len(fake.texts) != 1 || fake.texts[0] != "oc_1:1/2. Данные от OFD.ru получены." {
		t.Fatalf("unexpected texts %v", fake.texts)
	}
	if len(fake.uploaded) != 1 || fake.uploaded[0] != "report.xlsx=xlsx" {
		t.Fatalf("unexpected uploads %v", fake.uploaded)
	}
	if len(fake.sent) != 1 || fake.sent[0] != "oc_1:key-1" {
		t.Fatalf("unexpected file messages %v", fake.sent)
	}
}

func TestLarkSinkRequiresChat(t *testing.T) {
	if _, err := newLarkSink(&fakeLark{}, ""); err == nil {
		t.Fatalf("expected error for empty chat id")
	}
}

func TestLarkSinkHonoursCancelledContext(t *testing.T) {
	sink, _ := newLarkSink(&fakeLark{}, "oc")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.SendText(ctx, "x"); err == nil {
		t.Fatalf("expected error on cancelled context")
	}
}

func TestTeeContinuesPastFailures(t *testing.T) {
	failing, _ := newLarkSink(&fakeLark{fail: errors.New("down")}, "oc")
	rec := &Recorder{}
	sink := Tee(failing, nil, rec, LogSink{})

	if err := sink.SendText(context.Background(), "Формирую таблицу..."); err == nil {
		t.Fatalf("expected the failing sink error to surface")
	}
	if got := rec.Texts(); len(got) != 1 || got[0] != "Формирую таблицу..." {
		t.Fatalf("recorder should still receive the message, got %v", got)
	}

	path := filepath.Join(t.TempDir(), "r.xlsx")
	_ = os.WriteFile(path, []byte("x"), 0o644)
	if err := Tee(rec, LogSink{}).SendFile(context.Background(), path); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if got := rec.Files(); len(got) != 1 || got[0] != path {
		t.Fatalf("unexpected files %v", got)
	}
}
