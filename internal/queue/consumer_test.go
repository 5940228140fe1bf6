package queue

import (
    "os"
    "path/filepath"
    "strings"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestHandleMessage_AppendsLine(t *testing.T) {
    path := filepath.Join(t.TempDir(), "logs", "auth.log")
    c := &Consumer{LogPath: path}

    at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
    ev := NewAuthEvent(EventLoginFailed, at)
    ev.Email = "a@x.com"
    ev.Reason = "INVALID_CREDENTIALS"
    body := []byte(`{"id":"` + ev.ID + `","type":"login.failed","email":"a@x.com","reason":"INVALID_CREDENTIALS","occurred_at":"2026-03-01T12:00:00Z"}`)

    require.NoError(t, c.HandleMessage(body))
    require.NoError(t, c.HandleMessage(body))

    data, err := os.ReadFile(path)
    require.NoError(t, err)
    lines := strings.Split(strings.TrimSpace(string(data)), "\n")
    require.Len(t, lines, 2)
    assert.Equal(t, strings.TrimSuffix(FormatLine(ev), "\n"), lines[0])
    assert.Contains(t, lines[0], "[2026-03-01T12:00:00Z] login.failed")
    assert.Contains(t, lines[0], `email="a@x.com"`)
    assert.NotContains(t, lines[0], "user_id=")
}

func TestHandleMessage_Rejects(t *testing.T) {
    c := &Consumer{LogPath: filepath.Join(t.TempDir(), "auth.log")}

    assert.Error(t, c.HandleMessage([]byte("not json")))
    assert.Error(t, c.HandleMessage([]byte(`{"id":"x"}`)))
}

func TestNewAuthEvent(t *testing.T) {
    a := NewAuthEvent(EventTokenRefreshed, time.Now())
    b := NewAuthEvent(EventTokenRefreshed, time.Now())
    assert.NotEmpty(t, a.ID)
    assert.NotEqual(t, a.ID, b.ID)
    assert.Equal(t, time.UTC, a.OccurredAt.Location())
}
