package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoPlugin struct {
	*Base
}

func (p *echoPlugin) Name() string        { return "echo" }
func (p *echoPlugin) Version() string     { return "1.0.0" }
func (p *echoPlugin) Description() string { return "repeats the message" }

func (p *echoPlugin) CanHandle(context.Context, string, *Context) (bool, error) { return true, nil }

func (p *echoPlugin) Handle(_ context.Context, msg string, _ *Context) (*Response, error) {
	return NewResponse(msg), nil
}

var _ Plugin = (*echoPlugin)(nil)

func TestBaseDefaults(t *testing.T) {
	p := &echoPlugin{Base: NewBase("echo", "1.0.0")}

	assert.Equal(t, DefaultPriority, p.Priority())
	assert.True(t, p.Enabled())
	assert.Equal(t, "Unknown", p.Author())
	assert.Empty(t, p.Dependencies())

	ctx := context.Background()
	require.NoError(t, p.OnLoad(ctx, Config{"k": "v"}))
	assert.Equal(t, "v", p.Config().String("k", ""))

	require.NoError(t, p.OnDisable(ctx))
	assert.False(t, p.Enabled())
	require.NoError(t, p.OnEnable(ctx))
	assert.True(t, p.Enabled())

	p.SetPriority(7)
	assert.Equal(t, 7, p.Priority())
}

func TestHelp(t *testing.T) {
	p := &echoPlugin{Base: NewBase("echo", "1.0.0")}
	p.SetEnabled(false)
	h := Help(p)
	assert.Contains(t, h, "【echo】v1.0.0")
	assert.Contains(t, h, "作者: Unknown")
	assert.Contains(t, h, "已禁用")
}

func TestResponseHelpers(t *testing.T) {
	r := NewResponse("hi")
	assert.False(t, r.AutoRecall)
	assert.Equal(t, DefaultRecallDelay, r.RecallDelay)

	r.Recalled(10 * time.Second).WithExtra("action", "x")
	assert.True(t, r.AutoRecall)
	assert.Equal(t, 10*time.Second, r.RecallDelay)
	assert.Equal(t, "x", r.Extra["action"])

	r2 := (&Response{Content: "bare"}).Recalled(0)
	assert.Equal(t, DefaultRecallDelay, r2.RecallDelay)
}

func TestConfigAccessors(t *testing.T) {
	cfg := Config{
		"n":        float64(12),
		"s":        "abc",
		"flag":     true,
		"ids":      []any{float64(1), "2", "x"},
		"names":    []any{"a", 3},
		"interval": float64(1.5),
		"timeout":  "250ms",
		"nested":   map[string]any{"inner": "yes"},
	}

	assert.Equal(t, 12, cfg.Int("n", 0))
	assert.Equal(t, 9, cfg.Int("missing", 9))
	assert.Equal(t, "abc", cfg.String("s", ""))
	assert.Equal(t, "12", cfg.String("n", ""))
	assert.True(t, cfg.Bool("flag", false))
	assert.Equal(t, []int64{1, 2}, cfg.Int64s("ids"))
	assert.Equal(t, []string{"a", "3"}, cfg.Strings("names"))
	assert.Equal(t, 1500*time.Millisecond, cfg.Duration("interval", 0))
	assert.Equal(t, 250*time.Millisecond, cfg.Duration("timeout", 0))
	assert.Equal(t, "yes", cfg.Sub("nested").String("inner", ""))
	assert.Empty(t, cfg.Sub("absent"))

	var typed struct {
		S string `json:"s"`
		N int    `json:"n"`
	}
	require.NoError(t, cfg.Decode(&typed))
	assert.Equal(t, "abc", typed.S)
	assert.Equal(t, 12, typed.N)
}

func TestContextIsGroup(t *testing.T) {
	assert.False(t, (&Context{}).IsGroup())
	assert.True(t, (&Context{GroupID: 3}).IsGroup())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "responded", Responded.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
