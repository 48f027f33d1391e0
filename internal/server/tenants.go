package server

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type tenantRecord struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	Subdomain          string `yaml:"subdomain"`
	CustomDomain       string `yaml:"custom_domain"`
	Status             string `yaml:"status"`
	MaintenanceMode    bool   `yaml:"maintenance_mode"`
	MaintenanceMessage string `yaml:"maintenance_message"`
}

type tenantsFile struct {
	Version int            `yaml:"version"`
	Tenants []tenantRecord `yaml:"tenants"`
}

func loadTenants() ([]Tenant, error) {
	path := os.Getenv("TENANTS_PATH")
	if path == "" {
		p, err := defaultTenantsPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseTenantsYAML(b)
}

func parseTenantsYAML(b []byte) ([]Tenant, error) {
	var tf tenantsFile
	if err := yaml.Unmarshal(b, &tf); err != nil {
		return nil, err
	}
	if tf.Version != 1 {
		return nil, errors.New("tenants: unsupported version")
	}
	if len(tf.Tenants) == 0 {
		return nil, errors.New("tenants: empty")
	}

	out := make([]Tenant, 0, len(tf.Tenants))
	for _, rec := range tf.Tenants {
		if rec.ID == "" || (rec.Subdomain == "" && rec.CustomDomain == "") {
			return nil, errors.New("tenants: invalid tenant")
		}
		status := rec.Status
		if status == "" {
			status = string(TenantStatusActive)
		}
		st, err := ParseTenantStatus(status)
		if err != nil {
			return nil, err
		}
		out = append(out, Tenant{
			ID:                 rec.ID,
			Name:               rec.Name,
			Subdomain:          rec.Subdomain,
			CustomDomain:       rec.CustomDomain,
			Status:             st,
			MaintenanceMode:    rec.MaintenanceMode,
			MaintenanceMessage: rec.MaintenanceMessage,
		})
	}
	return out, nil
}

func defaultTenantsPath() (string, error) {
	path := "config/tenants.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: tenants config not found")
}
