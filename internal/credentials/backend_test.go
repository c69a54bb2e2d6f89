package credentials

import (
	"errors"
	"testing"

	"github.com/trapline/credsync/internal/infrastructure/config"
)

func TestNew_SelectsBackend(t *testing.T) {
	t.Run("dynamic security", func(t *testing.T) {
		m, err := New(config.AuthConfig{
			Mode:       config.AuthModeDynamicSecurity,
			DeviceRole: "device",
		}, newBrokerState(), testLogger())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if _, ok := m.(*DynamicSecurity); !ok {
			t.Errorf("New() = %T, want *DynamicSecurity", m)
		}
	})

	t.Run("password file", func(t *testing.T) {
		m, err := New(config.AuthConfig{
			Mode:         config.AuthModePasswordFile,
			PasswordFile: testPasswordFileConfig(),
		}, nil, testLogger())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if _, ok := m.(*PasswordFile); !ok {
			t.Errorf("New() = %T, want *PasswordFile", m)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := New(config.AuthConfig{Mode: "ldap"}, nil, testLogger())
		if !errors.Is(err, ErrUnsupportedMode) {
			t.Errorf("New() error = %v, want ErrUnsupportedMode", err)
		}
	})
}
