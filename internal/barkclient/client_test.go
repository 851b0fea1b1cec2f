package barkclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewValidatesURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"empty", "", true},
		{"no scheme", "bark.local:8080", true},
		{"ok", "http://bark.local:8080/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.raw, "", time.Second)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestSendPush(t *testing.T) {
	var (
		gotPath  string
		gotToken string
		gotPush  Push
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("API-TOKEN")
		_ = json.NewDecoder(r.Body).Decode(&gotPush)
		_, _ = w.Write([]byte(`{"code":200,"message":"success","timestamp":1}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/", "secret", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.SendPush(context.Background(), Push{DeviceKey: "key-1", Title: "Kitchen Light", Body: "online", Level: LevelPassive})
	if err != nil {
		t.Fatalf("SendPush: %v", err)
	}
	if resp.Code != 200 {
		t.Errorf("Code = %d", resp.Code)
	}
	if gotPath != "/push" || gotToken != "secret" {
		t.Errorf("path=%q token=%q", gotPath, gotToken)
	}
	if gotPush.DeviceKey != "key-1" || gotPush.Level != LevelPassive {
		t.Errorf("push body = %+v", gotPush)
	}
}

func TestSendEncryptedPushAndErrors(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"code":200,"message":"success"}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL, "", time.Second)
	if _, err := c.SendEncryptedPush(context.Background(), "key-2", "cipher", "iv"); err != nil {
		t.Fatalf("SendEncryptedPush: %v", err)
	}
	if gotPath != "/key-2" {
		t.Errorf("path = %q", gotPath)
	}
	if _, err := c.SendEncryptedPush(context.Background(), "broken", "cipher", "iv"); err == nil {
		t.Error("expected error on non-200 status")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"message":"pong"}`))
	}))
	defer srv.Close()
	c, _ := New(srv.URL, "", time.Second)
	resp, err := c.Ping(context.Background())
	if err != nil || resp.Code != 200 {
		t.Fatalf("Ping = %+v, %v", resp, err)
	}
}
