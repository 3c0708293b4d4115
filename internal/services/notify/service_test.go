package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if m.doFunc != nil {
		return m.doFunc(req)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("{}")),
	}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() *models.TelegramConfig {
	return &models.TelegramConfig{
		BotToken: "123456:ABC-DEF",
		ChatID:   "-100123456789",
	}
}

func TestSend_Success(t *testing.T) {
	var capturedRequest *http.Request
	var capturedBody sendMessageRequest

	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			capturedRequest = req
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &capturedBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("{\"ok\":true}")),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), testConfig(), httpClient, "https://api.telegram.org")

	msg := models.NotifyMessage{
		Operation: "create-user",
		Host:      "vpn.example.com",
		Success:   true,
		StartTime: time.Now().Add(-2 * time.Second),
		Duration:  2 * time.Second,
	}

	result, err := svc.Send(context.Background(), msg)

	require.NoError(t, err)
	assert.True(t, result.Sent)
	assert.Nil(t, result.Error)

	// Verify request
	assert.Equal(t, http.MethodPost, capturedRequest.Method)
	assert.Contains(t, capturedRequest.URL.String(), "/bot123456:ABC-DEF/sendMessage")
	assert.Equal(t, "application/json", capturedRequest.Header.Get("Content-Type"))

	// Verify body
	assert.Equal(t, "-100123456789", capturedBody.ChatID)
	assert.Equal(t, "HTML", capturedBody.ParseMode)
	assert.Contains(t, capturedBody.Text, "operation succeeded")
	assert.Contains(t, capturedBody.Text, "create-user")
}

func TestSend_FailureMessage(t *testing.T) {
	var capturedBody sendMessageRequest

	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			body, _ := io.ReadAll(req.Body)
			_ = json.Unmarshal(body, &capturedBody)
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("{}")),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), testConfig(), httpClient, "https://api.telegram.org")

	msg := models.NotifyMessage{
		Operation:    "restore-backup",
		Success:      false,
		FailedStep:   "checksum",
		ErrorMessage: "archive checksum mismatch",
		Duration:     time.Second,
	}

	result, err := svc.Send(context.Background(), msg)

	require.NoError(t, err)
	assert.True(t, result.Sent)
	assert.Contains(t, capturedBody.Text, "operation failed")
	assert.Contains(t, capturedBody.Text, "Failed step")
	assert.Contains(t, capturedBody.Text, "archive checksum mismatch")
}

func TestSend_NilConfigIsNoOp(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			t.Fatal("no request expected without telegram config")
			return nil, nil
		},
	}

	svc := NewWithClient(testLogger(), nil, httpClient, "https://api.telegram.org")

	result, err := svc.Send(context.Background(), models.NotifyMessage{Operation: "reload"})

	require.NoError(t, err)
	assert.False(t, result.Sent)
	assert.Nil(t, result.Error)
}

func TestSend_HTTPError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("network error")
		},
	}

	svc := NewWithClient(testLogger(), testConfig(), httpClient, "https://api.telegram.org")

	result, err := svc.Send(context.Background(), models.NotifyMessage{Operation: "reload"})

	require.NoError(t, err)
	assert.False(t, result.Sent)
	assert.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to send notification")
}

func TestSend_APIError(t *testing.T) {
	httpClient := &mockHTTPClient{
		doFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusBadRequest,
				Body:       io.NopCloser(strings.NewReader("{\"ok\":false}")),
			}, nil
		},
	}

	svc := NewWithClient(testLogger(), testConfig(), httpClient, "https://api.telegram.org")

	result, err := svc.Send(context.Background(), models.NotifyMessage{Operation: "reload"})

	require.NoError(t, err)
	assert.False(t, result.Sent)
	assert.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Error(), "400")
}

func TestFormatMessage_Failure(t *testing.T) {
	svc := New(testLogger(), testConfig())

	msg := models.NotifyMessage{
		Operation:    "rotate-credential",
		Host:         "vpn.example.com",
		Success:      false,
		FailedStep:   "reload",
		ErrorMessage: "engine not healthy within 30s",
		Duration:     31 * time.Second,
	}

	result := svc.formatMessage(msg)

	assert.Contains(t, result, "operation failed")
	assert.Contains(t, result, "rotate-credential")
	assert.Contains(t, result, "Failed step:</b> reload")
	assert.Contains(t, result, "engine not healthy within 30s")
}
