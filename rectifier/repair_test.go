package rectifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRepairJSON_BalancesTruncatedTail(t *testing.T) {
	r := NewRectifier(DefaultConfig(), zap.NewNop())
	in := []byte(`{"model":"claude-3","content":[{"type":"text","text":"hel`)
	out := r.RepairJSON(in)
	assert.Equal(t, `{"model":"claude-3","content":[{"type":"text","text":"hel"}]}`, string(out))
}

func TestRepairJSON_LeavesValidJSONUnchanged(t *testing.T) {
	r := NewRectifier(DefaultConfig(), zap.NewNop())
	in := []byte(`{"a":1,"b":[1,2,3]}`)
	out := r.RepairJSON(in)
	assert.Equal(t, string(in), string(out))
}

func TestRepairJSON_BailsOutPastDepthCap(t *testing.T) {
	r := NewRectifier(Config{MaxDepth: 2, MaxSizeMiB: 1}, zap.NewNop())
	in := []byte(`{"a":{"b":{"c":1`)
	out := r.RepairJSON(in)
	assert.Equal(t, string(in), string(out), "depth cap exceeded, input returned untouched")
}

func TestRepairJSON_BailsOutPastSizeCap(t *testing.T) {
	r := NewRectifier(Config{MaxDepth: 200, MaxSizeMiB: 1}, zap.NewNop())
	big := []byte(`{"a":"` + strings.Repeat("x", 2*1024*1024) + ``)
	out := r.RepairJSON(big)
	assert.Equal(t, string(big), string(out))
}

func TestReframeSSE_DropsEmptyFramesAndFixesStrayCR(t *testing.T) {
	r := NewRectifier(DefaultConfig(), zap.NewNop())
	in := []byte("data: one\r\n\r\n\r\n\r\ndata: two\n\n")
	out := r.ReframeSSE(in)
	assert.Equal(t, "data: one\n\ndata: two\n\n", string(out))
}

func TestNormalizeEncoding_ValidUTF8Unchanged(t *testing.T) {
	r := NewRectifier(DefaultConfig(), zap.NewNop())
	in := []byte(`{"text":"héllo"}`)
	out := r.NormalizeEncoding(in)
	assert.Equal(t, string(in), string(out))
}

func TestNormalizeEncoding_ReplacesInvalidBytes(t *testing.T) {
	r := NewRectifier(DefaultConfig(), zap.NewNop())
	in := []byte{'{', '"', 'a', '"', ':', 0xff, 0xfe, '}'}
	out := r.NormalizeEncoding(in)
	assert.Contains(t, string(out), "�")
	assert.True(t, len(out) >= len(in))
}

func TestZeroCopyBuffer_WriteReadGrow(t *testing.T) {
	buf := NewZeroCopyBuffer(4)
	n, err := buf.Write([]byte("hello world"))
	assert.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "hello world", string(buf.Bytes()))

	out := make([]byte, 5)
	n, err = buf.Read(out)
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(out))
	assert.Equal(t, 6, buf.Len())
}
