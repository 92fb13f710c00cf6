package transport

import (
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{"valid", Config{NodeID: "n1", ListenAddress: "localhost:0"}, nil},
		{"missing node id", Config{ListenAddress: "localhost:0"}, ErrEmptyNodeID},
		{"missing listen address", Config{NodeID: "n1"}, ErrEmptyListenAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if err != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_SetDefaults(t *testing.T) {
	config := &Config{NodeID: "n1", ListenAddress: "localhost:0"}
	config.SetDefaults()

	if config.SendQueueSize != 1000 {
		t.Errorf("Expected SendQueueSize 1000, got %d", config.SendQueueSize)
	}
	if config.HeartbeatInterval != 30*time.Second {
		t.Errorf("Expected HeartbeatInterval 30s, got %v", config.HeartbeatInterval)
	}
	if config.MaxMessageSize != 4*1024*1024 {
		t.Errorf("Expected MaxMessageSize 4MB, got %d", config.MaxMessageSize)
	}
	if config.ShutdownTimeout != 5*time.Second {
		t.Errorf("Expected ShutdownTimeout 5s, got %v", config.ShutdownTimeout)
	}

	custom := &Config{SendQueueSize: 10, MaxMessageSize: 512}
	custom.SetDefaults()
	if custom.SendQueueSize != 10 || custom.MaxMessageSize != 512 {
		t.Error("Expected explicit values to be preserved")
	}
}
