package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	var nilReq *Request
	assert.ErrorIs(t, nilReq.Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, (&Request{}).Validate(), ErrInvalidRequest)
	assert.ErrorIs(t, (&Request{Messages: []Message{{Role: "tool", Content: "x"}}}).Validate(), ErrInvalidRequest)
	assert.NoError(t, (&Request{Messages: []Message{{Role: RoleUser, Content: "x"}}}).Validate())
}

func TestRequestClone(t *testing.T) {
	req := &Request{
		Messages: []Message{{Role: RoleUser, Content: "a"}},
		Context:  &Context{Selection: "s"},
	}
	c := req.Clone()
	c.Messages[0].Content = "b"
	c.Context.Selection = "t"

	assert.Equal(t, "a", req.Messages[0].Content)
	assert.Equal(t, "s", req.Context.Selection)
}

func TestSystemText(t *testing.T) {
	req := &Request{
		SystemPrompt: "one",
		Messages: []Message{
			{Role: RoleSystem, Content: "two"},
			{Role: RoleUser, Content: "hi"},
		},
	}
	assert.Equal(t, "one\n\ntwo", req.SystemText())
	assert.Equal(t, "hi", req.LatestUserMessage())
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		http.StatusUnauthorized:          ErrorUnauthorized,
		http.StatusForbidden:             ErrorUnauthorized,
		http.StatusTooManyRequests:       ErrorRateLimited,
		http.StatusRequestTimeout:        ErrorTransient,
		http.StatusBadGateway:            ErrorTransient,
		http.StatusServiceUnavailable:    ErrorTransient,
		http.StatusBadRequest:            ErrorBadRequest,
		http.StatusNotFound:              ErrorBadRequest,
		http.StatusRequestEntityTooLarge: ErrorBadRequest,
		http.StatusUnprocessableEntity:   ErrorBadRequest,
		http.StatusTeapot:                ErrorUnknown,
	}
	for code, want := range cases {
		assert.Equal(t, want, ClassifyStatus(code), "status %d", code)
	}
	assert.True(t, ErrorTransient.Retryable())
	assert.False(t, ErrorUnauthorized.Retryable())
}

func TestHTTPFailure(t *testing.T) {
	resp := HTTPFailure("openai", "gpt-4o-mini", 401, []byte(`{"error":{"message":"bad key"}}`))
	assert.Equal(t, StatusFailed, resp.Status)
	assert.Equal(t, "unauthorized: openai returned HTTP 401: bad key", resp.Error)

	long := strings.Repeat("x", 400)
	resp = HTTPFailure("cohere", "command-r", 500, []byte(long))
	assert.True(t, strings.HasSuffix(resp.Error, "..."))
}

func TestHTTPFailure_TruncatesOnRuneBoundary(t *testing.T) {
	body := "a" + strings.Repeat("é", 400)
	resp := HTTPFailure("cohere", "command-r", 502, []byte(body))
	assert.True(t, utf8.ValidString(resp.Error))
	assert.True(t, strings.HasSuffix(resp.Error, strings.Repeat("é", maxUpstreamMessage-1)+"..."))
}

func TestStreamBody_TerminalEvent(t *testing.T) {
	decode := func(line string) (string, bool, error) {
		if line == "end" {
			return "", true, nil
		}
		return line, false, nil
	}

	t.Run("ended", func(t *testing.T) {
		ch := make(chan *Chunk, 8)
		content, err := StreamBody(context.Background(), ch, strings.NewReader("The\nanswer\nend\nignored\n"), true, decode)
		require.NoError(t, err)
		assert.Equal(t, "Theanswer", content)
		assert.Len(t, ch, 2)
	})

	t.Run("closed early", func(t *testing.T) {
		ch := make(chan *Chunk, 8)
		content, err := StreamBody(context.Background(), ch, strings.NewReader("The\nanswer\n"), true, decode)
		require.ErrorIs(t, err, ErrStreamTruncated)
		assert.Equal(t, "Theanswer", content)

		resp := StreamFailure("openai", "gpt-4o-mini", err)
		assert.Equal(t, ErrorTransient, resp.ErrorKind)
	})

	t.Run("eof framing", func(t *testing.T) {
		ch := make(chan *Chunk, 8)
		_, err := StreamBody(context.Background(), ch, strings.NewReader("The\nanswer\n"), false, decode)
		require.NoError(t, err)
	})
}

func TestConfigError(t *testing.T) {
	err := error(&ConfigError{Provider: "gemini", Reason: "missing credential"})
	assert.True(t, IsConfigError(err))
	assert.True(t, IsConfigError(errors.Join(errors.New("wrapped"), err)))
	assert.EqualError(t, err, "configuration error: gemini: missing credential")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("héé"))
}

type fixedEstimator struct{}

func (fixedEstimator) EstimateTokens(text string) int { return EstimateTokens(text) }
func (fixedEstimator) EstimateCost(model string, in, out int) float64 {
	return float64(in + out)
}

func TestFinish(t *testing.T) {
	req := &Request{Messages: []Message{{Role: RoleUser, Content: "12345678"}}}

	resp := Finish(&Response{Provider: "claude", Content: "abcd"}, req, fixedEstimator{})
	require.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, 2, resp.Usage.InputTokens)
	assert.Equal(t, 1, resp.Usage.OutputTokens)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
	assert.Equal(t, 3.0, resp.CostUSD)

	empty := Finish(&Response{Provider: "claude", ID: "x", Stream: true}, req, fixedEstimator{})
	assert.Equal(t, StatusFailed, empty.Status)
	assert.Equal(t, ErrorUnknown, empty.ErrorKind)
	assert.True(t, empty.Stream)
	assert.Equal(t, "x", empty.ID)
}

func TestContextDisclose(t *testing.T) {
	full := &Context{Selection: "sel", VisibleText: "vis", HTML: "<p>", URL: "u", Title: "t"}

	assert.Nil(t, full.Disclose(PrivacyNone))
	assert.Equal(t, &Context{Selection: "sel", URL: "u", Title: "t"}, full.Disclose(PrivacyFull))

	noSel := &Context{VisibleText: "vis", HTML: "<p>", URL: "u"}
	assert.Equal(t, &Context{URL: "u"}, noSel.Disclose(PrivacySelection))
	assert.Equal(t, &Context{VisibleText: "vis", URL: "u"}, noSel.Disclose(PrivacyVisible))
	assert.Equal(t, &Context{HTML: "<p>", URL: "u"}, noSel.Disclose(PrivacyFull))

	assert.Nil(t, (&Context{VisibleText: "vis"}).Disclose(PrivacySelection))
	var nilCtx *Context
	assert.Nil(t, nilCtx.Disclose(PrivacyFull))
}

func TestParsePrivacyLevel(t *testing.T) {
	l, err := ParsePrivacyLevel("")
	require.NoError(t, err)
	assert.Equal(t, PrivacySelection, l)

	l, err = ParsePrivacyLevel("FULL")
	require.NoError(t, err)
	assert.Equal(t, PrivacyFull, l)

	_, err = ParsePrivacyLevel("everything")
	assert.Error(t, err)
}

func TestContextMessage(t *testing.T) {
	msg := ContextMessage(&Context{Title: "Go", URL: "https://go.dev", Selection: "goroutines"})
	assert.Equal(t, "Context from the current page:\nTitle: Go\nURL: https://go.dev\n\nSelected text:\ngoroutines", msg)
	assert.Empty(t, ContextMessage(nil))
}

func TestInsertBeforeLatestUser(t *testing.T) {
	isUser := func(s string) bool { return strings.HasPrefix(s, "u") }

	assert.Equal(t, []string{"u1", "a1", "ctx", "u2"},
		InsertBeforeLatestUser([]string{"u1", "a1", "u2"}, "ctx", isUser))
	assert.Equal(t, []string{"a1", "ctx"},
		InsertBeforeLatestUser([]string{"a1"}, "ctx", isUser))
}
