package translator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/lorebridge/chat"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "minimal", body: `{"model":"m","messages":[{"role":"user","content":"hi"}]}`},
		{name: "stop array", body: `{"model":"m","messages":[],"stop":["a","b"]}`},
		{name: "empty body", body: ``, wantErr: "request body is empty"},
		{name: "malformed", body: `{"model":`, wantErr: "unexpected EOF"},
		{name: "unknown field", body: `{"model":"m","messages":[],"tools_v2":true}`, wantErr: "unknown field"},
		{name: "image part", body: `{"model":"m","messages":[{"role":"user","content":[{"type":"image_url"}]}]}`, wantErr: "unsupported type"},
		{name: "numeric content", body: `{"model":"m","messages":[{"role":"user","content":42}]}`, wantErr: "string or an array"},
		{name: "trailing data", body: `{"model":"m","messages":[]} {"x":1}`, wantErr: "unexpected data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.body))
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConversation(t *testing.T) {
	req, err := Decode(strings.NewReader(`{"model":"m","messages":[
		{"role":"system","content":"s"},
		{"role":"user","content":[{"type":"text","text":"a"}]}
	]}`))
	require.NoError(t, err)

	assert.Equal(t, chat.Conversation{chat.System("s"), chat.User("a")}, req.Conversation())
}

func TestEstimateCounter(t *testing.T) {
	c := EstimateCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 2, c.Count("abcde"))
	assert.Equal(t, 1, c.Count("été"))
	assert.Equal(t, 2*perMessageOverhead+2, c.CountConversation(chat.Conversation{chat.User("abcd"), chat.User("efgh")}))
}

func TestTokenCounter(t *testing.T) {
	tc, err := NewTokenCounter(DefaultEncoding)
	if err != nil {
		t.Skipf("tiktoken encoding unavailable: %v", err)
	}
	assert.Greater(t, tc.Count("Hello, world!"), 0)
	assert.Greater(t, tc.CountConversation(chat.Conversation{chat.User("Hello")}), perMessageOverhead)
}
