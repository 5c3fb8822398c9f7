// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package rfb

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// VNCAuthCredentials are the internal credentials a VNC password maps to.
// Several VNC passwords may map to the same user.
type VNCAuthCredentials struct {
	User   string
	Passwd string
}

// VNCAuthManager reads the VNCAuth password file. Each non-comment line has
// the form:
//
//	<vnc-password> -> <user>:<password>
//
// A broken or unreadable file disables VNCAuth for new sessions instead of
// failing the server.
type VNCAuthManager struct {
	path    string
	enabled bool
	log     *slog.Logger
}

// NewVNCAuthManager creates a manager for the given passwd file path.
// When enabled is false, ReadCredentials reports VNCAuth as unavailable.
func NewVNCAuthManager(path string, enabled bool, log *slog.Logger) *VNCAuthManager {
	return &VNCAuthManager{path: path, enabled: enabled, log: log}
}

// ReadCredentials returns the VNC password table and whether VNCAuth may be
// offered. The file is re-read per call so edits take effect for new
// sessions without a restart.
func (m *VNCAuthManager) ReadCredentials() (map[string]VNCAuthCredentials, bool) {
	if !m.enabled {
		return map[string]VNCAuthCredentials{}, false
	}
	credentials, err := m.parseFile()
	if err != nil {
		m.log.Error("incorrect VNCAuth passwd file", "path", m.path, "error", err)
		return map[string]VNCAuthCredentials{}, false
	}
	return credentials, true
}

func (m *VNCAuthManager) parseFile() (map[string]VNCAuthCredentials, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}

	credentials := make(map[string]VNCAuthCredentials)
	for number, line := range strings.Split(string(data), "\n") {
		if len(strings.TrimSpace(line)) == 0 || strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") {
			continue
		}

		vncPasswd, userPass, found := strings.Cut(line, " -> ")
		if !found {
			return nil, fmt.Errorf("missing ' -> ' operator at line #%d", number)
		}
		vncPasswd = strings.TrimLeft(vncPasswd, " \t")

		user, passwd, found := strings.Cut(strings.TrimLeft(userPass, " \t"), ":")
		if !found {
			return nil, fmt.Errorf("missing ':' operator in credentials (right part) at line #%d", number)
		}

		if _, exists := credentials[vncPasswd]; exists {
			return nil, fmt.Errorf("found duplicating VNC password (left part) at line #%d", number)
		}
		credentials[vncPasswd] = VNCAuthCredentials{User: strings.TrimSpace(user), Passwd: passwd}
	}
	return credentials, nil
}
