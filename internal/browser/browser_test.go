package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"ozon1688/internal/config"
)

func newTestManager() *Manager {
	return NewManager(config.BrowserConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestContainsAny(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		keywords []string
		expected bool
	}{
		{"match_first", "cloudflare check", []string{"cloudflare", "captcha"}, true},
		{"match_last", "please solve captcha", []string{"cloudflare", "captcha"}, true},
		{"no_match", "обычная страница товара", []string{"cloudflare", "captcha"}, false},
		{"empty_text", "", []string{"captcha"}, false},
		{"empty_keywords", "captcha", nil, false},
		{"cyrillic", "доступ ограничен", blockedHints, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := containsAny(tt.text, tt.keywords); got != tt.expected {
				t.Errorf("containsAny(%q) = %v, expected %v", tt.text, got, tt.expected)
			}
		})
	}
}

func TestDetectBlockType(t *testing.T) {
	normalHTML := "<html><head><title>Товар</title></head><body>" + strings.Repeat("товар ", 40) + "</body></html>"
	tests := []struct {
		name     string
		title    string
		html     string
		expected string
	}{
		{"cloudflare_title", "Just a moment...", "<html></html>", "cloudflare_challenge"},
		{"cloudflare_turnstile", "Ozon", `<div class="cf-turnstile"></div>`, "cloudflare_challenge"},
		{"alibaba_slider", "1688", `<div id="nocaptcha"></div>`, "captcha"},
		{"alibaba_punish", "1688", `<iframe src="https://s.1688.com/_____tmd_____/punish?x=1"></iframe>`, "captcha"},
		{"ozon_robot_check", "Ozon", "<p>Подтвердите, что вы не робот</p>", "captcha"},
		{"forbidden_title", "403 Forbidden", "<html></html>", "403_forbidden"},
		{"ozon_restricted", "Доступ ограничен", "<html></html>", "403_forbidden"},
		{"rate_limited", "Error 429", "<html></html>", "429_rate_limited"},
		{"blank_page", "", "<html><head></head><body></body></html>", "blank_page"},
		{"proxy_error", "Error", "<body>ERR_PROXY_CONNECTION_FAILED</body>", "connection_error"},
		{"normal_page", "Товар", normalHTML, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectBlockType(tt.title, tt.html); got != tt.expected {
				t.Errorf("DetectBlockType(%q) = %q, expected %q", tt.title, got, tt.expected)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil_error", nil, "unknown"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"wrapped_deadline", fmt.Errorf("navigate: %w", context.DeadlineExceeded), "timeout"},
		{"canceled", context.Canceled, "timeout"},
		{"blocked_sentinel", fmt.Errorf("search: %w", ErrBlocked), "blocked"},
		{"captcha_message", errors.New("captcha detected"), "blocked"},
		{"timeout_message", errors.New("create page timeout after 10s"), "timeout"},
		{"network", errors.New("net::ERR_NAME_NOT_RESOLVED"), "network"},
		{"launch", errors.New("launch browser: exec failed"), "network"},
		{"parse", errors.New("parse price failed"), "parse"},
		{"other", errors.New("something odd"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %q, expected %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := newTestManager()

	// nil 会话
	m.Close(nil)

	// 从未初始化的会话
	s := &Session{id: "zero"}
	m.Close(s)
	m.Close(s)
	if !s.Closed() {
		t.Fatal("session should be closed")
	}
	if _, err := s.Page(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Page() error = %v, want ErrSessionClosed", err)
	}
	if st := m.Stats(); st.Closed != 0 || st.Active != 0 {
		t.Fatalf("never-opened session must not count as closed: %+v", st)
	}
}

func TestClosedSessionOperations(t *testing.T) {
	m := newTestManager()
	s := &Session{id: "closed"}
	m.Close(s)

	if err := m.Navigate(context.Background(), s, "https://www.ozon.ru/"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Navigate error = %v, want ErrSessionClosed", err)
	}
	if err := m.Reload(context.Background(), s); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Reload error = %v, want ErrSessionClosed", err)
	}
	if _, blocked := m.CheckBlocked(s); blocked {
		t.Fatal("closed session must not report blocked")
	}
	if n := m.DismissOverlays(context.Background(), s); n != 0 {
		t.Fatalf("DismissOverlays = %d, want 0", n)
	}
}

func TestNewManagerDefaults(t *testing.T) {
	m := newTestManager()
	if m.PageLoadTimeout() <= 0 {
		t.Fatal("page load timeout must default to a positive value")
	}
	if m.cfg.OpenAttempts != 1 {
		t.Fatalf("OpenAttempts = %d, want 1", m.cfg.OpenAttempts)
	}
}
