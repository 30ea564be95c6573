package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestBot(t *testing.T, handler http.HandlerFunc) *Bot {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	bot, err := NewBot(BotConfig{Token: "test-token", APIBase: server.URL})
	if err != nil {
		t.Fatalf("NewBot: %v", err)
	}
	return bot
}

func TestNewBotRequiresToken(t *testing.T) {
	if _, err := NewBot(BotConfig{}); err == nil {
		t.Fatalf("expected error for missing token")
	}
}

func TestSendTextPostsJSONMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	bot := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(`{"ok":true}`))
	})

	if err := bot.SendText(context.Background(), "12345", "stream finished"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if gotPath != "/bottest-token/sendMessage" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotBody["chat_id"] != "12345" || gotBody["text"] != "stream finished" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestSendTextSurfacesAPIRejection(t *testing.T) {
	bot := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	})

	err := bot.SendText(context.Background(), "12345", "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected rejection with description, got %v", err)
	}
}

func TestSendFileUploadsMultipartVideo(t *testing.T) {
	dir := t.TempDir()
	clipPath := filepath.Join(dir, "clip_abc.mp4")
	if err := os.WriteFile(clipPath, []byte("fake video bytes"), 0o644); err != nil {
		t.Fatalf("write clip: %v", err)
	}

	var gotPath, gotChatID, gotCaption, gotFilename string
	var gotVideo []byte
	bot := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			w.Write([]byte(`{"ok":false}`))
			return
		}
		gotChatID = r.FormValue("chat_id")
		gotCaption = r.FormValue("caption")
		file, header, err := r.FormFile("video")
		if err != nil {
			t.Errorf("read video part: %v", err)
			w.Write([]byte(`{"ok":false}`))
			return
		}
		defer file.Close()
		gotFilename = header.Filename
		buf := make([]byte, header.Size)
		n, _ := file.Read(buf)
		gotVideo = buf[:n]
		w.Write([]byte(`{"ok":true}`))
	})

	if err := bot.SendFile(context.Background(), "67890", clipPath, "your clip"); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if gotPath != "/bottest-token/sendVideo" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotChatID != "67890" || gotCaption != "your clip" {
		t.Fatalf("unexpected fields chat_id=%s caption=%s", gotChatID, gotCaption)
	}
	if gotFilename != "clip_abc.mp4" {
		t.Fatalf("unexpected filename %s", gotFilename)
	}
	if string(gotVideo) != "fake video bytes" {
		t.Fatalf("unexpected video payload %q", gotVideo)
	}
}

func TestSendFileMissingClip(t *testing.T) {
	bot := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected when file is missing")
	})

	err := bot.SendFile(context.Background(), "1", filepath.Join(t.TempDir(), "gone.mp4"), "")
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestNoopChannelAcceptsEverything(t *testing.T) {
	var channel Channel = Noop{}
	if err := channel.SendText(context.Background(), "", "text"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := channel.SendFile(context.Background(), "", "nowhere.mp4", ""); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
}
