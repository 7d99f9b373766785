package logsvc

import (
	"bytes"
	"log"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
)

func TestRollbarLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewRollbarLogger(log.New(&buf, "API : ", 0), &core.Config{Env: "TEST"})
	logger.Enable(false)

	sess := portal.Session{UserID: "u1", Name: "Amani"}
	logger.Error("posting message failed", errors.New("db down"), sess)
	logger.Info("hello")

	out := buf.String()
	assert.Contains(t, out, "API : posting message failed\n")
	assert.Contains(t, out, "API : db down\n")
	assert.Contains(t, out, "API : hello\n")
	assert.NotContains(t, out, "Amani", "sessions are attached to the report, not printed")
}

func TestRollbarLogger_prepare(t *testing.T) {
	logger := RollbarLogger{}
	err := errors.New("boom")

	tests := []struct {
		name string
		args []interface{}
		want []interface{}
	}{
		{name: "message only", want: []interface{}{"msg"}},
		{name: "session stripped", args: []interface{}{err, portal.Session{UserID: "u1"}}, want: []interface{}{"msg", err}},
		{name: "extras kept", args: []interface{}{map[string]interface{}{"k": 1}}, want: []interface{}{"msg", map[string]interface{}{"k": 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, logger.prepare("msg", tt.args))
		})
	}
}
