package feishu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGatewayConfigDefaults(t *testing.T) {
	cfg := GatewayConfig{}.withDefaults()
	assert.Equal(t, "https://open.feishu.cn", cfg.BaseURL)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBase)
}

func TestGatewayConfigKeepsOverrides(t *testing.T) {
	cfg := GatewayConfig{
		BaseURL:    "https://open.larksuite.com/",
		MaxRetries: 5,
		RetryBase:  time.Second,
	}.withDefaults()

	// Trailing slashes would double up in joined request URLs
	assert.Equal(t, "https://open.larksuite.com", cfg.BaseURL)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryBase)
}
