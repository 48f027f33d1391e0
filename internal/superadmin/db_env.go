package superadmin

import (
	"errors"
	"os"
)

// The console connects with its own credentials so tenant-facing services
// never share a role with it.
func dbDSNFromEnv() (string, error) {
	if v := os.Getenv("SUPERADMIN_DATABASE_URL"); v != "" {
		return v, nil
	}
	return "", errors.New("superadmin: SUPERADMIN_DATABASE_URL is required")
}
