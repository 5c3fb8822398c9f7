// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package rfb

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePasswdFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vncpasswd")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVNCAuthParseFile(t *testing.T) {
	path := writePasswdFile(t, `
# comment line
admin -> kvmd-admin:kvmd-pass

viewer -> kvmd-viewer:with:colon
`)
	m := NewVNCAuthManager(path, true, discardLogger())

	credentials, ok := m.ReadCredentials()
	require.True(t, ok)
	require.Len(t, credentials, 2)

	assert.Equal(t, VNCAuthCredentials{User: "kvmd-admin", Passwd: "kvmd-pass"}, credentials["admin"])
	// Only the first colon splits user from password.
	assert.Equal(t, VNCAuthCredentials{User: "kvmd-viewer", Passwd: "with:colon"}, credentials["viewer"])
}

func TestVNCAuthRejectsBrokenFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "missing arrow", content: "admin kvmd-admin:pass\n"},
		{name: "missing colon", content: "admin -> kvmd-admin\n"},
		{name: "duplicate password", content: "admin -> a:b\nadmin -> c:d\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewVNCAuthManager(writePasswdFile(t, tt.content), true, discardLogger())
			credentials, ok := m.ReadCredentials()
			assert.False(t, ok, "broken file must disable VNCAuth")
			assert.Empty(t, credentials)
		})
	}
}

func TestVNCAuthUnreadableFileDisables(t *testing.T) {
	m := NewVNCAuthManager(filepath.Join(t.TempDir(), "missing"), true, discardLogger())
	_, ok := m.ReadCredentials()
	assert.False(t, ok)
}

func TestVNCAuthDisabled(t *testing.T) {
	m := NewVNCAuthManager(writePasswdFile(t, "admin -> a:b\n"), false, discardLogger())
	_, ok := m.ReadCredentials()
	assert.False(t, ok)
}
