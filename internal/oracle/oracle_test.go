package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/fyrsmithlabs/mathmentor/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeModel struct {
	responses []string
	errs      []error
	calls     int
}

func (m *fakeModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	text := ""
	if i < len(m.responses) {
		text = m.responses[i]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func testOptions() Options {
	return Options{
		Policy: resilience.Policy{MaxTries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
}

func TestClient_Complete(t *testing.T) {
	m := &fakeModel{responses: []string{"x = 4"}}
	c := NewWithModel(m, testOptions(), nil)

	out, err := c.Complete(context.Background(), "solve 2x+5=13")
	require.NoError(t, err)
	assert.Equal(t, "x = 4", out)
	assert.Equal(t, "closed", c.BreakerState())
}

func TestClient_Complete_RetriesTransient(t *testing.T) {
	m := &fakeModel{
		errs:      []error{status.Error(codes.Unavailable, "busy"), nil},
		responses: []string{"", "ok"},
	}
	c := NewWithModel(m, testOptions(), nil)

	out, err := c.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, m.calls)
}

func TestClient_Complete_PermanentError(t *testing.T) {
	m := &fakeModel{errs: []error{errors.New("invalid api key")}}
	c := NewWithModel(m, testOptions(), nil)

	_, err := c.Complete(context.Background(), "prompt")
	require.Error(t, err)
	assert.Equal(t, 1, m.calls)
}

func TestClient_Complete_EmptyPrompt(t *testing.T) {
	c := NewWithModel(&fakeModel{}, testOptions(), nil)
	_, err := c.Complete(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestClient_BreakerOpens(t *testing.T) {
	transient := status.Error(codes.Unavailable, "down")
	m := &fakeModel{errs: []error{transient, transient, transient, transient}}
	opts := testOptions()
	opts.Policy.MaxTries = 1
	opts.BreakerFailures = 2
	opts.BreakerCooldown = time.Minute
	c := NewWithModel(m, opts, nil)

	for i := 0; i < 2; i++ {
		_, err := c.Complete(context.Background(), "p")
		require.Error(t, err)
	}
	assert.Equal(t, "open", c.BreakerState())

	_, err := c.Complete(context.Background(), "p")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, m.calls)
}

func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New(config.OracleConfig{Provider: "carrier-pigeon"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported oracle provider")
}

func TestExtractJSON(t *testing.T) {
	raw, err := ExtractJSON("Sure!\n```json\n{\"is_correct\": true, \"nested\": {\"a\": 1}}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"is_correct": true, "nested": {"a": 1}}`, raw)

	_, err = ExtractJSON("no json here")
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestDecode(t *testing.T) {
	type judgment struct {
		IsCorrect  bool    `json:"is_correct"`
		Confidence float64 `json:"confidence"`
	}
	j, err := Decode[judgment](`verdict: {"is_correct": false, "confidence": 0.3}`)
	require.NoError(t, err)
	assert.False(t, j.IsCorrect)
	assert.Equal(t, 0.3, j.Confidence)

	_, err = Decode[judgment](`{"is_correct": tru}`)
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestScripted(t *testing.T) {
	s := (&Scripted{Default: "default"}).On("PLAN", "plan-response").Fail("EXPLAIN", errors.New("down"))

	out, err := s.Complete(context.Background(), "please PLAN this")
	require.NoError(t, err)
	assert.Equal(t, "plan-response", out)

	_, err = s.Complete(context.Background(), "EXPLAIN it")
	assert.Error(t, err)

	out, _ = s.Complete(context.Background(), "other")
	assert.Equal(t, "default", out)
	assert.Equal(t, 3, s.Calls())
	assert.Len(t, s.Prompts(), 3)
}
