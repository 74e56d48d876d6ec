package config

import "testing"

func TestResolveHostForDocker(t *testing.T) {
	tests := []struct {
		input    string
		inDocker string
	}{
		{"mydb.example.com", "mydb.example.com"},
		{"192.168.1.100", "192.168.1.100"},
		{"localhost", "host.docker.internal"},
		{"127.0.0.1", "host.docker.internal"},
	}

	for _, tt := range tests {
		want := tt.input
		if IsRunningInDocker() {
			want = tt.inDocker
		}
		if got := ResolveHostForDocker(tt.input); got != want {
			t.Errorf("ResolveHostForDocker(%q) = %q, want %q", tt.input, got, want)
		}
	}
}

func TestRedisAddr(t *testing.T) {
	cfg := RedisConfig{Host: "cache.internal", Port: 6380}
	if got := cfg.Addr(); got != "cache.internal:6380" {
		t.Errorf("Addr() = %q", got)
	}
}
