package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"cale-agent/internal/domain"
)

type fakeMessages struct {
	msg  *sdk.Message
	err  error
	last sdk.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.last = body
	return f.msg, f.err
}

func apiError(status int) *sdk.Error {
	return &sdk.Error{
		StatusCode: status,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
		Response:   &http.Response{StatusCode: status},
	}
}

func TestNew_EmptyKey(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestComplete_JoinsTextBlocks(t *testing.T) {
	fm := &fakeMessages{msg: &sdk.Message{Content: []sdk.ContentBlockUnion{
		{Type: "text", Text: "Thought: listo\n"},
		{Type: "thinking"},
		{Type: "text", Text: "Final Answer: El Gato del Río queda en el oeste."},
	}}}
	c, err := newWithMessages(fm, WithModel("claude-test"), WithMaxTokens(256))
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "Question: gato", []string{"\nObservation:"})
	require.NoError(t, err)
	require.Equal(t, "Thought: listo\nFinal Answer: El Gato del Río queda en el oeste.", out)
	require.Equal(t, sdk.Model("claude-test"), fm.last.Model)
	require.Equal(t, int64(256), fm.last.MaxTokens)
	require.Equal(t, []string{"\nObservation:"}, fm.last.StopSequences)
	require.Len(t, fm.last.Messages, 1)
}

func TestComplete_Classification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.ErrorCode
	}{
		{"overloaded 529", apiError(529), domain.ErrorTransientUpstream},
		{"rate limited", apiError(429), domain.ErrorTransientUpstream},
		{"server error", apiError(500), domain.ErrorTransientUpstream},
		{"bad request", apiError(400), domain.ErrorPermanentUpstream},
		{"overloaded text", errors.New("stream: overloaded_error"), domain.ErrorTransientUpstream},
		{"other", errors.New("boom"), domain.ErrorPermanentUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := newWithMessages(&fakeMessages{err: tc.err})
			require.NoError(t, err)
			_, err = c.Complete(context.Background(), "p", nil)
			require.Equal(t, tc.want, domain.CodeOf(err))
		})
	}
}

func TestComplete_Canceled(t *testing.T) {
	c, err := newWithMessages(&fakeMessages{err: context.Canceled})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), "p", nil)
	require.ErrorIs(t, err, context.Canceled)
}
