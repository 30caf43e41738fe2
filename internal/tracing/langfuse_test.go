package tracing

import (
	"testing"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LANGFUSE_HOST", "")
	t.Setenv("LANGFUSE_PUBLIC_KEY", "pk")
	t.Setenv("LANGFUSE_SECRET_KEY", "")

	c := ConfigFromEnv()
	if c.Host != defaultHost {
		t.Errorf("Host = %q, want %q", c.Host, defaultHost)
	}
	if c.Enabled() {
		t.Error("Enabled() with only the public key, want false")
	}

	t.Setenv("LANGFUSE_SECRET_KEY", "sk")
	t.Setenv("LANGFUSE_HOST", "https://cloud.langfuse.com")
	c = ConfigFromEnv()
	if !c.Enabled() || c.Host != "https://cloud.langfuse.com" {
		t.Errorf("ConfigFromEnv() = %+v", c)
	}
}

func TestHandler_Disabled(t *testing.T) {
	t.Parallel()

	h, flush, ok := Config{PublicKey: "pk"}.Handler()
	if ok || h != nil || flush != nil {
		t.Errorf("Handler() on disabled config = %v, %v, %v", h, flush != nil, ok)
	}
}
